package transport

import (
	"errors"

	"github.com/frameloop/netplay/internal/bitvec"
	"github.com/frameloop/netplay/internal/debug"
	"github.com/frameloop/netplay/internal/inputqueue"
)

// The input delta codec. Consecutive frames of input are usually near
// identical, so each frame is written as the set of bits that changed
// relative to its predecessor: for every changed bit a 1 marker, the new
// value, and the bit's index; then a 0 marker ends the frame. Decoding
// replays the changes onto the last received input, recovering the exact
// original bytes.

func inputBit(bits []byte, i int) bool {
	return bits[i>>3]&(1<<uint(i&7)) != 0
}

func setInputBit(bits []byte, i int, on bool) {
	if on {
		bits[i>>3] |= 1 << uint(i&7)
	} else {
		bits[i>>3] &^= 1 << uint(i&7)
	}
}

// encodeInputDeltas encodes pending against base (the last acknowledged
// input, zeroes when none was acked yet). Frames in pending must be
// consecutive.
func encodeInputDeltas(base []byte, pending []inputqueue.Input) (bits []byte, numBits uint32) {
	w := &bitvec.Writer{}

	last := base
	for _, cur := range pending {
		debug.Assert(len(cur.Bits) == len(base))
		for i := 0; i < len(cur.Bits)*8; i++ {
			bit := inputBit(cur.Bits, i)
			if bit != inputBit(last, i) {
				w.WriteBit(true)
				w.WriteBit(bit)
				w.WriteUint16(uint16(i))
			}
		}
		w.WriteBit(false)
		last = cur.Bits
	}

	return w.Bytes(), uint32(w.Len())
}

var errDeltaTruncated = errors.New("delta bit stream ends mid frame")

type bitChange struct {
	idx int
	on  bool
}

// decodeInputDeltas replays the encoded changes onto scratch, the running
// last-received payload, which is mutated in place. Frames at or before
// lastReceived are retransmissions: their groups are consumed but not
// applied, since scratch already reflects them. deliver is called with the
// full payload of each genuinely new frame.
//
// The bits come off the network: a stream that ends mid frame returns
// errDeltaTruncated with the cleanly decoded prefix already delivered.
// Changes are staged per frame and applied only once the frame's group
// terminates, so a truncated frame never leaves scratch half-updated.
// Returns the new lastReceived.
func decodeInputDeltas(bits []byte, numBits uint32, inputSize int, scratch []byte, startFrame, lastReceived int32, deliver func(frame int32, payload []byte)) (int32, error) {
	r := bitvec.NewReader(bits, int(numBits))

	var changes []bitChange
	frame := startFrame
	for r.Remaining() > 0 {
		use := frame == lastReceived+1
		changes = changes[:0]
		for {
			marker, ok := r.ReadBit()
			if !ok {
				return lastReceived, errDeltaTruncated
			}
			if !marker {
				break
			}
			on, ok := r.ReadBit()
			if !ok {
				return lastReceived, errDeltaTruncated
			}
			idx, ok := r.ReadUint16()
			if !ok {
				return lastReceived, errDeltaTruncated
			}
			if use && int(idx) < inputSize*8 {
				changes = append(changes, bitChange{idx: int(idx), on: on})
			}
		}
		if use {
			for _, c := range changes {
				setInputBit(scratch, c.idx, c.on)
			}
			deliver(frame, scratch)
			lastReceived = frame
		}
		frame++
	}
	return lastReceived, nil
}
