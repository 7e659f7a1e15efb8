package transport

import (
	"time"

	"github.com/frameloop/netplay/internal/protocol"
)

// fragmentTTL is how long an incomplete fragment set survives before its
// remaining chunks are assumed lost.
const fragmentTTL = 2 * time.Second

type fragmentSet struct {
	chunks   [][]byte
	received int
	touched  time.Time
}

// fragmentAssembler rebuilds oversized messages from MsgFragment chunks.
type fragmentAssembler struct {
	now     func() time.Time
	pending map[uint16]*fragmentSet
}

func newFragmentAssembler(now func() time.Time) *fragmentAssembler {
	return &fragmentAssembler{
		now:     now,
		pending: make(map[uint16]*fragmentSet),
	}
}

// Feed adds one chunk; when it completes its set, the reassembled message
// bytes are returned.
func (a *fragmentAssembler) Feed(frag *protocol.Fragment) ([]byte, bool) {
	a.expire()

	set, ok := a.pending[frag.ID]
	if ok && len(set.chunks) != int(frag.Count) {
		// id collision with a stale set; start over
		ok = false
	}
	if !ok {
		set = &fragmentSet{chunks: make([][]byte, frag.Count)}
		a.pending[frag.ID] = set
	}

	if set.chunks[frag.Index] == nil {
		set.chunks[frag.Index] = frag.Chunk
		set.received++
	}
	set.touched = a.now()

	if set.received < len(set.chunks) {
		return nil, false
	}

	delete(a.pending, frag.ID)
	var data []byte
	for _, chunk := range set.chunks {
		data = append(data, chunk...)
	}
	return data, true
}

func (a *fragmentAssembler) expire() {
	now := a.now()
	for id, set := range a.pending {
		if now.Sub(set.touched) > fragmentTTL {
			delete(a.pending, id)
		}
	}
}
