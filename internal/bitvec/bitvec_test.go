package bitvec_test

import (
	"testing"

	"github.com/frameloop/netplay/internal/bitvec"
	"github.com/matryer/is"
)

func TestBitRoundTrip(t *testing.T) {
	is := is.New(t)

	pattern := []bool{true, false, false, true, true, true, false, true, false, true}

	w := &bitvec.Writer{}
	for _, bit := range pattern {
		w.WriteBit(bit)
	}
	is.Equal(w.Len(), len(pattern))

	r := bitvec.NewReader(w.Bytes(), w.Len())
	for i, want := range pattern {
		got, ok := r.ReadBit()
		is.True(ok)
		if got != want {
			t.Fatalf("bit %d: got %v, want %v", i, got, want)
		}
	}
	is.Equal(r.Remaining(), 0)

	// the stream is exhausted; further reads report it instead of panicking
	_, ok := r.ReadBit()
	is.Equal(ok, false)
	_, ok = r.ReadUint16()
	is.Equal(ok, false)
}

func TestUint16RoundTrip(t *testing.T) {
	is := is.New(t)

	w := &bitvec.Writer{}
	// offset by a lone bit so values straddle byte boundaries
	w.WriteBit(true)
	for _, val := range []uint16{0, 1, 0x00ff, 0xff00, 0xffff, 12345} {
		w.WriteUint16(val)
	}

	r := bitvec.NewReader(w.Bytes(), w.Len())
	bit, ok := r.ReadBit()
	is.True(bit)
	is.True(ok)
	for _, want := range []uint16{0, 1, 0x00ff, 0xff00, 0xffff, 12345} {
		got, ok := r.ReadUint16()
		is.True(ok)
		is.Equal(got, want)
	}
}

func TestUint16AcrossTruncation(t *testing.T) {
	is := is.New(t)

	w := &bitvec.Writer{}
	w.WriteUint16(0xffff)

	// only 10 of the 16 bits are visible to the reader
	r := bitvec.NewReader(w.Bytes(), 10)
	_, ok := r.ReadUint16()
	is.Equal(ok, false)
}
