package transport

import (
	"testing"

	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/matryer/is"
)

func TestEncodeDecodeInputDeltas(t *testing.T) {
	is := is.New(t)

	const inputSize = 2
	pending := []inputqueue.Input{
		{Frame: 10, Bits: []byte{0b00000001, 0b10000000}},
		{Frame: 11, Bits: []byte{0b00000001, 0b10000000}}, // unchanged frame
		{Frame: 12, Bits: []byte{0b00000011, 0b00000000}},
		{Frame: 13, Bits: []byte{0b00000000, 0b00000000}},
	}

	bits, numBits := encodeInputDeltas(make([]byte, inputSize), pending)

	scratch := make([]byte, inputSize)
	var got []inputqueue.Input
	last, err := decodeInputDeltas(bits, numBits, inputSize, scratch, 10, 9,
		func(frame int32, payload []byte) {
			got = append(got, inputqueue.Input{Frame: frame, Bits: append([]byte(nil), payload...)})
		})

	is.NoErr(err)
	is.Equal(last, int32(13))
	is.Equal(len(got), len(pending))
	for i := range pending {
		is.Equal(got[i].Frame, pending[i].Frame)
		is.Equal(got[i].Bits, pending[i].Bits)
	}
}

func TestDecodeSkipsRetransmittedFrames(t *testing.T) {
	is := is.New(t)

	const inputSize = 1
	pending := []inputqueue.Input{
		{Frame: 0, Bits: []byte{0x01}},
		{Frame: 1, Bits: []byte{0x02}},
		{Frame: 2, Bits: []byte{0x04}},
	}
	bits, numBits := encodeInputDeltas(make([]byte, inputSize), pending)

	// frames 0 and 1 were already applied; scratch reflects frame 1
	scratch := []byte{0x02}
	var got []inputqueue.Input
	last, err := decodeInputDeltas(bits, numBits, inputSize, scratch, 0, 1,
		func(frame int32, payload []byte) {
			got = append(got, inputqueue.Input{Frame: frame, Bits: append([]byte(nil), payload...)})
		})

	is.NoErr(err)
	is.Equal(last, int32(2))
	is.Equal(len(got), 1)
	is.Equal(got[0].Frame, int32(2))
	is.Equal(got[0].Bits, []byte{0x04})
}

func TestDecodeEntirelyStaleBundle(t *testing.T) {
	is := is.New(t)

	pending := []inputqueue.Input{
		{Frame: 5, Bits: []byte{0xff}},
		{Frame: 6, Bits: []byte{0x00}},
	}
	bits, numBits := encodeInputDeltas(make([]byte, 1), pending)

	scratch := []byte{0x00}
	last, err := decodeInputDeltas(bits, numBits, 1, scratch, 5, 6,
		func(frame int32, payload []byte) {
			t.Fatalf("unexpected delivery of frame %d", frame)
		})

	is.NoErr(err)
	is.Equal(last, int32(6))
	is.Equal(scratch, []byte{0x00}) // untouched
}

func TestDecodeTruncatedStream(t *testing.T) {
	is := is.New(t)

	// a lone change marker with nothing after it
	scratch := []byte{0x00}
	last, err := decodeInputDeltas([]byte{0x80}, 1, 1, scratch, 0, -1, func(frame int32, payload []byte) {
		t.Fatalf("unexpected delivery of frame %d", frame)
	})
	is.True(err != nil)
	is.Equal(last, int32(-1))
	is.Equal(scratch, []byte{0x00}) // the broken frame left no trace

	// a clean first frame followed by a frame cut off mid change group:
	// the prefix is delivered, the rest is reported
	pending := []inputqueue.Input{
		{Frame: 0, Bits: []byte{0x01}},
		{Frame: 1, Bits: []byte{0x03}},
	}
	bits, numBits := encodeInputDeltas(make([]byte, 1), pending)

	scratch = []byte{0x00}
	var got []inputqueue.Input
	last, err = decodeInputDeltas(bits, numBits-10, 1, scratch, 0, -1,
		func(frame int32, payload []byte) {
			got = append(got, inputqueue.Input{Frame: frame, Bits: append([]byte(nil), payload...)})
		})
	is.True(err != nil)
	is.Equal(last, int32(0))
	is.Equal(len(got), 1)
	is.Equal(got[0].Bits, []byte{0x01})
	is.Equal(scratch, []byte{0x01}) // still frame 0's payload
}

func TestEncodeDecodeLargeDeltas(t *testing.T) {
	is := is.New(t)

	// full-width inputs flipping every bit each frame blow far past a
	// 16 bit bit count; the codec must carry them regardless
	const inputSize = 64
	pending := make([]inputqueue.Input, 8)
	for i := range pending {
		bits := make([]byte, inputSize)
		if i%2 == 0 {
			for j := range bits {
				bits[j] = 0xff
			}
		}
		pending[i] = inputqueue.Input{Frame: int32(i), Bits: bits}
	}

	bits, numBits := encodeInputDeltas(make([]byte, inputSize), pending)
	is.True(numBits > 1<<16)

	scratch := make([]byte, inputSize)
	var got []inputqueue.Input
	last, err := decodeInputDeltas(bits, numBits, inputSize, scratch, 0, -1,
		func(frame int32, payload []byte) {
			got = append(got, inputqueue.Input{Frame: frame, Bits: append([]byte(nil), payload...)})
		})

	is.NoErr(err)
	is.Equal(last, int32(7))
	is.Equal(len(got), len(pending))
	for i := range pending {
		is.Equal(got[i].Frame, pending[i].Frame)
		is.Equal(got[i].Bits, pending[i].Bits)
	}
}
