package transport

import (
	"testing"

	"github.com/frameloop/netplay/internal/protocol"
	"github.com/matryer/is"
)

func seqMsg(seq uint16) *protocol.Msg {
	return &protocol.Msg{
		Header: &protocol.Header{Magic: 1, Sequence: seq, Type: protocol.MsgKeepAlive},
	}
}

func seqsOf(msgs []*protocol.Msg) []uint16 {
	out := make([]uint16, len(msgs))
	for i, m := range msgs {
		out[i] = m.Header.Sequence
	}
	return out
}

func TestReorderInOrderPassthrough(t *testing.T) {
	is := is.New(t)
	w := newReorderWindow(4)

	for seq := uint16(100); seq < 105; seq++ {
		got := w.Feed(seqMsg(seq))
		is.Equal(seqsOf(got), []uint16{seq})
	}
}

func TestReorderBuffersAndDrains(t *testing.T) {
	is := is.New(t)
	w := newReorderWindow(4)

	is.Equal(len(w.Feed(seqMsg(0))), 1)
	is.Equal(len(w.Feed(seqMsg(2))), 0) // held: 1 is missing
	is.Equal(len(w.Feed(seqMsg(3))), 0)

	got := w.Feed(seqMsg(1))
	is.Equal(seqsOf(got), []uint16{1, 2, 3})
}

func TestReorderDropsStaleAndDuplicates(t *testing.T) {
	is := is.New(t)
	w := newReorderWindow(4)

	w.Feed(seqMsg(10))
	is.Equal(len(w.Feed(seqMsg(10))), 0) // duplicate of delivered
	is.Equal(len(w.Feed(seqMsg(9))), 0)  // stale

	w.Feed(seqMsg(12))
	is.Equal(len(w.Feed(seqMsg(12))), 0) // duplicate of held
	is.Equal(w.staleDropped, 3)
}

func TestReorderAbandonsLostGap(t *testing.T) {
	is := is.New(t)
	w := newReorderWindow(3)

	w.Feed(seqMsg(0))
	// seq 1 is lost for good
	is.Equal(len(w.Feed(seqMsg(2))), 0)
	is.Equal(len(w.Feed(seqMsg(3))), 0)
	is.Equal(len(w.Feed(seqMsg(4))), 0)

	// window overflow: give up on 1 and resume from 2
	got := w.Feed(seqMsg(5))
	is.Equal(seqsOf(got), []uint16{2, 3, 4, 5})

	got = w.Feed(seqMsg(6))
	is.Equal(seqsOf(got), []uint16{6})
}

func TestReorderSequenceWraparound(t *testing.T) {
	is := is.New(t)
	w := newReorderWindow(4)

	is.Equal(len(w.Feed(seqMsg(65534))), 1)
	is.Equal(len(w.Feed(seqMsg(65535))), 1)
	is.Equal(len(w.Feed(seqMsg(0))), 1)
	is.Equal(len(w.Feed(seqMsg(1))), 1)
	is.Equal(len(w.Feed(seqMsg(65535))), 0) // stale across the wrap
}
