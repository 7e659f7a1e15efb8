package transport

import (
	"container/heap"
	"errors"
	"math/rand"
	"time"
)

// PipeConfig shapes the simulated link: LossRate in [0,1), and a uniform
// per-packet delay in [MinDelay, MaxDelay] (jitter causes natural
// reordering).
type PipeConfig struct {
	LossRate float64
	MinDelay time.Duration
	MaxDelay time.Duration
	Seed     int64
}

// Pipe returns two connected in-memory PacketConns. With a virtual clock
// injected through now, tests can run hundreds of simulated seconds of
// lossy traffic instantly.
func Pipe(cfg PipeConfig, now func() time.Time) (*PipeConn, *PipeConn) {
	if now == nil {
		now = time.Now
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	a := &PipeConn{addr: "pipe:a", cfg: cfg, now: now, rng: rng}
	b := &PipeConn{addr: "pipe:b", cfg: cfg, now: now, rng: rng}
	a.peer, b.peer = b, a
	return a, b
}

type pipePacket struct {
	data      []byte
	deliverAt time.Time
	seq       uint64
}

type PipeConn struct {
	addr string
	peer *PipeConn
	cfg  PipeConfig

	now func() time.Time
	rng *rand.Rand

	queue  packetQueue
	seq    uint64
	closed bool
}

func (c *PipeConn) ReadFrom(buf []byte) (int, string, bool, error) {
	if c.closed {
		return 0, "", false, errors.New("pipe closed")
	}
	if c.queue.Len() == 0 || c.queue[0].deliverAt.After(c.now()) {
		return 0, "", false, nil
	}
	pkt := heap.Pop(&c.queue).(pipePacket)
	n := copy(buf, pkt.data)
	return n, c.peer.addr, true, nil
}

func (c *PipeConn) WriteTo(data []byte, addr string) error {
	if c.closed {
		return errors.New("pipe closed")
	}
	if addr != c.peer.addr {
		return nil // addressed to nobody; the link eats it
	}
	if c.rng.Float64() < c.cfg.LossRate {
		return nil // unreliable links lose packets without telling anyone
	}

	delay := c.cfg.MinDelay
	if jitter := c.cfg.MaxDelay - c.cfg.MinDelay; jitter > 0 {
		delay += time.Duration(c.rng.Int63n(int64(jitter) + 1))
	}

	c.peer.seq++
	heap.Push(&c.peer.queue, pipePacket{
		data:      append([]byte(nil), data...),
		deliverAt: c.now().Add(delay),
		seq:       c.peer.seq,
	})
	return nil
}

func (c *PipeConn) LocalAddr() string {
	return c.addr
}

func (c *PipeConn) Close() error {
	c.closed = true
	c.queue = nil
	return nil
}

// packetQueue orders packets by delivery time, then arrival order.

type packetQueue []pipePacket

func (q packetQueue) Len() int { return len(q) }
func (q packetQueue) Less(i, j int) bool {
	if !q[i].deliverAt.Equal(q[j].deliverAt) {
		return q[i].deliverAt.Before(q[j].deliverAt)
	}
	return q[i].seq < q[j].seq
}
func (q packetQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *packetQueue) Push(x any)   { *q = append(*q, x.(pipePacket)) }
func (q *packetQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = pipePacket{}
	*q = old[:n-1]
	return item
}
