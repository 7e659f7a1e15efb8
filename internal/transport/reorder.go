package transport

import (
	"github.com/frameloop/netplay/internal/protocol"
)

// reorderWindow delivers messages strictly in sequence order. Stale and
// duplicate sequence numbers are dropped. Out-of-order arrivals are held
// back until the gap fills; when more than window messages are pending the
// gap is considered lost for good and delivery resumes at the oldest held
// message. Sequence numbers are uint16 and compared with wrap-around
// arithmetic.
type reorderWindow struct {
	window  int
	started bool
	next    uint16
	pending map[uint16]*protocol.Msg

	staleDropped int
}

func newReorderWindow(window int) *reorderWindow {
	return &reorderWindow{
		window:  window,
		pending: make(map[uint16]*protocol.Msg),
	}
}

// Feed accepts one arrival and returns every message that is now
// deliverable, in original send order.
func (w *reorderWindow) Feed(msg *protocol.Msg) []*protocol.Msg {
	seq := msg.Header.Sequence
	if !w.started {
		w.started = true
		w.next = seq
	}

	dist := int16(seq - w.next)
	switch {
	case dist < 0:
		w.staleDropped++
		return nil
	case dist > 0:
		if _, dup := w.pending[seq]; dup {
			w.staleDropped++
			return nil
		}
		w.pending[seq] = msg
		if len(w.pending) > w.window {
			w.abandonGap()
			return w.drain(nil)
		}
		return nil
	}

	w.next++
	return w.drain([]*protocol.Msg{msg})
}

func (w *reorderWindow) drain(out []*protocol.Msg) []*protocol.Msg {
	for {
		msg, ok := w.pending[w.next]
		if !ok {
			return out
		}
		delete(w.pending, w.next)
		out = append(out, msg)
		w.next++
	}
}

// abandonGap gives up on the missing sequence numbers and jumps to the
// oldest message actually held.
func (w *reorderWindow) abandonGap() {
	best := int16(-1)
	for seq := range w.pending {
		dist := int16(seq - w.next)
		if best == -1 || dist < best {
			best = dist
		}
	}
	w.next += uint16(best)
}
