package bitvec

import (
	"github.com/frameloop/netplay/internal/debug"
)

// Writer appends individual bits to a byte buffer, most significant bit of
// each byte first. The input delta codec needs sub-byte granularity: a
// changed input bit costs 2 bits plus a 16 bit index instead of resending
// the whole payload.
type Writer struct {
	buf  []byte
	bits int
}

func (w *Writer) WriteBit(bit bool) {
	if w.bits&7 == 0 {
		w.buf = append(w.buf, 0)
	}
	if bit {
		w.buf[w.bits>>3] |= 0x80 >> uint(w.bits&7)
	}
	w.bits++
}

func (w *Writer) WriteUint16(val uint16) {
	for i := 15; i >= 0; i-- {
		w.WriteBit(val&(1<<uint(i)) != 0)
	}
}

// Len reports the number of bits written so far.
func (w *Writer) Len() int {
	return w.bits
}

// Bytes returns the backing buffer. The final byte is zero-padded.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes bits written by Writer. The stream it reads comes off
// the network, so running past the end is reported through ok rather than
// treated as a programming error.
type Reader struct {
	buf  []byte
	pos  int
	bits int
}

func NewReader(buf []byte, bits int) *Reader {
	debug.Assertf(bits <= len(buf)*8, "bit length %d exceeds buffer of %d bytes", bits, len(buf))
	return &Reader{buf: buf, bits: bits}
}

func (r *Reader) ReadBit() (bit, ok bool) {
	if r.pos >= r.bits {
		return false, false
	}
	bit = r.buf[r.pos>>3]&(0x80>>uint(r.pos&7)) != 0
	r.pos++
	return bit, true
}

func (r *Reader) ReadUint16() (uint16, bool) {
	var val uint16
	for i := 0; i < 16; i++ {
		bit, ok := r.ReadBit()
		if !ok {
			return 0, false
		}
		val <<= 1
		if bit {
			val |= 1
		}
	}
	return val, true
}

// Remaining reports how many bits are left to read.
func (r *Reader) Remaining() int {
	return r.bits - r.pos
}
