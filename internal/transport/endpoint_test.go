package transport

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/frameloop/netplay/internal/protocol"
	"github.com/frameloop/netplay/internal/rollback"
	"github.com/matryer/is"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testPeer struct {
	conn   *PipeConn
	ep     *Endpoint
	events []Event
}

func (p *testPeer) drainEvents() {
	p.events = append(p.events, p.ep.PollEvents()...)
}

type peerPair struct {
	clock *fakeClock
	a, b  *testPeer
}

func newPeerPair(pipeCfg PipeConfig, inputSize int, timeout, notifyStart time.Duration) *peerPair {
	clock := newFakeClock()
	connA, connB := Pipe(pipeCfg, clock.Now)

	makePeer := func(conn *PipeConn, peerAddr string, seed int64) *testPeer {
		status := make([]rollback.ConnectStatus, 2)
		for i := range status {
			status[i].LastFrame = inputqueue.NullFrame
		}
		return &testPeer{
			conn: conn,
			ep: NewEndpoint(EndpointConfig{
				Conn:                  conn,
				PeerAddr:              peerAddr,
				Queue:                 0,
				NumPlayers:            2,
				InputSize:             inputSize,
				LocalConnectStatus:    status,
				DisconnectTimeout:     timeout,
				DisconnectNotifyStart: notifyStart,
				Clock:                 clock.Now,
				Rand:                  rand.New(rand.NewSource(seed)),
			}),
		}
	}

	return &peerPair{
		clock: clock,
		a:     makePeer(connA, connB.LocalAddr(), 101),
		b:     makePeer(connB, connA.LocalAddr(), 202),
	}
}

// deliver reads everything currently due on both links, feeding it to the
// endpoints until the exchange quiets down.
func (p *peerPair) deliver() {
	buf := make([]byte, 2048)
	for {
		moved := false
		for _, peer := range []*testPeer{p.a, p.b} {
			for {
				n, _, ok, err := peer.conn.ReadFrom(buf)
				if err != nil || !ok {
					break
				}
				peer.ep.HandlePacket(buf[:n])
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

func (p *peerPair) pump(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		p.clock.Advance(step)
		p.a.ep.Poll()
		p.b.ep.Poll()
		p.deliver()
		p.a.drainEvents()
		p.b.drainEvents()
	}
}

func (p *peerPair) synchronize(t *testing.T) {
	t.Helper()
	p.a.ep.Synchronize()
	p.b.ep.Synchronize()
	p.pump(5*time.Second, 50*time.Millisecond)
	if !p.a.ep.IsRunning() || !p.b.ep.IsRunning() {
		t.Fatalf("endpoints did not synchronize: a=%v b=%v", p.a.ep.State(), p.b.ep.State())
	}
	p.a.events = nil
	p.b.events = nil
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func inputEvents(events []Event) []inputqueue.Input {
	var inputs []inputqueue.Input
	for _, ev := range events {
		if ev.Type == EventInput {
			inputs = append(inputs, ev.Input)
		}
	}
	return inputs
}

func TestEndpointHandshake(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 0, 0)
	p.a.ep.Synchronize()
	p.b.ep.Synchronize()
	p.pump(time.Second, 50*time.Millisecond)

	is.True(p.a.ep.IsRunning())
	is.True(p.b.ep.IsRunning())

	for _, peer := range []*testPeer{p.a, p.b} {
		is.Equal(countEvents(peer.events, EventConnected), 1)
		is.Equal(countEvents(peer.events, EventSynchronized), 1)
		is.Equal(countEvents(peer.events, EventSynchronizing), numSyncRoundtrips-1)
	}
}

func TestEndpointHandshakeSurvivesLoss(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{LossRate: 0.4, MinDelay: 20 * time.Millisecond, MaxDelay: 80 * time.Millisecond, Seed: 3}, 2, 0, 0)
	p.a.ep.Synchronize()
	p.b.ep.Synchronize()
	p.pump(30*time.Second, 100*time.Millisecond)

	is.True(p.a.ep.IsRunning())
	is.True(p.b.ep.IsRunning())
}

func TestEndpointInputRoundTrip(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 0, 0)
	p.synchronize(t)

	const numFrames = 20
	for frame := int32(0); frame < numFrames; frame++ {
		p.a.ep.SendInput(inputqueue.Input{
			Frame: frame,
			Bits:  []byte{byte(frame), byte(frame * 3)},
		})
		p.pump(16*time.Millisecond, 16*time.Millisecond)
	}

	got := inputEvents(p.b.events)
	is.Equal(len(got), numFrames)
	for i, input := range got {
		is.Equal(input.Frame, int32(i))
		is.Equal(input.Bits, []byte{byte(i), byte(i * 3)})
	}

	// acks keep the send queue from growing; only the newest frame may
	// still be in flight
	is.True(p.a.ep.NetworkStats().SendQueueLen <= 1)
}

func TestEndpointInputOverLossyLink(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{LossRate: 0.2, MinDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Seed: 7}, 2, 0, 0)
	p.synchronize(t)

	const numFrames = 100
	for frame := int32(0); frame < numFrames; frame++ {
		p.a.ep.SendInput(inputqueue.Input{
			Frame: frame,
			Bits:  []byte{byte(frame), byte(frame >> 1)},
		})
		p.pump(32*time.Millisecond, 8*time.Millisecond)
	}
	// let retransmits finish the tail
	p.pump(5*time.Second, 50*time.Millisecond)

	got := inputEvents(p.b.events)
	is.Equal(len(got), numFrames)
	for i, input := range got {
		is.Equal(input.Frame, int32(i))
		is.Equal(input.Bits, []byte{byte(i), byte(i >> 1)})
	}
}

func TestEndpointFragmentedInput(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 64, 0, 0)
	p.synchronize(t)

	// flipping all 512 bits at once makes the delta encoding larger than
	// one datagram
	bits := make([]byte, 64)
	for i := range bits {
		bits[i] = 0xff
	}
	p.a.ep.SendInput(inputqueue.Input{Frame: 0, Bits: bits})
	p.pump(100*time.Millisecond, 10*time.Millisecond)

	got := inputEvents(p.b.events)
	is.Equal(len(got), 1)
	is.Equal(got[0].Frame, int32(0))
	is.Equal(got[0].Bits, bits)
}

func TestEndpointDisconnectWatchdog(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 3*time.Second, time.Second)
	p.synchronize(t)

	// the remote goes silent; only the local side keeps polling
	for i := 0; i < 100; i++ {
		p.clock.Advance(100 * time.Millisecond)
		p.a.ep.Poll()
		p.a.drainEvents()
	}

	is.Equal(countEvents(p.a.events, EventNetworkInterrupted), 1)
	is.Equal(countEvents(p.a.events, EventDisconnected), 1)
	is.Equal(p.a.ep.State(), StateDisconnected)

	for _, ev := range p.a.events {
		if ev.Type == EventNetworkInterrupted {
			is.Equal(ev.DisconnectTimeout, 2*time.Second)
		}
	}
}

func TestEndpointNetworkResumed(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 10*time.Second, time.Second)
	p.synchronize(t)

	// silence past the notify threshold
	for i := 0; i < 15; i++ {
		p.clock.Advance(100 * time.Millisecond)
		p.a.ep.Poll()
		p.a.drainEvents()
	}
	is.Equal(countEvents(p.a.events, EventNetworkInterrupted), 1)
	is.Equal(countEvents(p.a.events, EventDisconnected), 0)

	// traffic comes back
	p.pump(time.Second, 100*time.Millisecond)
	is.Equal(countEvents(p.a.events, EventNetworkResumed), 1)
	is.True(p.a.ep.IsRunning())
}

func TestEndpointDisconnectMessage(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 0, 0)
	p.synchronize(t)

	p.a.ep.Disconnect()
	p.pump(time.Second, 50*time.Millisecond)

	is.Equal(p.a.ep.State(), StateDisconnected)
	is.Equal(p.b.ep.State(), StateDisconnected)
	is.Equal(countEvents(p.b.events, EventDisconnected), 1)
}

func TestEndpointChecksumPiggyback(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{MinDelay: 30 * time.Millisecond, MaxDelay: 30 * time.Millisecond}, 2, 0, 0)
	p.synchronize(t)

	p.a.ep.SetLocalChecksum(12, 0xdeadbeef)
	p.pump(3*time.Second, 10*time.Millisecond)

	var found bool
	for _, ev := range p.b.events {
		if ev.Type == EventPeerChecksum && ev.Frame == 12 {
			found = true
			is.Equal(ev.Checksum, uint64(0xdeadbeef))
		}
	}
	is.True(found)

	// the quality reply round trip measures the link delay
	is.True(p.a.ep.NetworkStats().Ping >= 60*time.Millisecond)
}

func TestEndpointMalformedInputBits(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 0, 0)

	// structurally valid input message whose delta stream ends mid change
	// group: a lone marker bit claiming a change that never follows. It
	// must be dropped, not crash the receiver.
	msg := &protocol.Msg{
		Header: &protocol.Header{Magic: 0x1234, Sequence: 1, Type: protocol.MsgInput},
		Body: &protocol.Input{
			StartFrame: 0,
			AckFrame:   inputqueue.NullFrame,
			InputSize:  2,
			NumBits:    1,
			Bits:       []byte{0x80},
		},
	}
	data, err := msg.MarshalBinary()
	is.NoErr(err)

	p.b.ep.HandlePacket(data)
	p.b.drainEvents()

	is.Equal(countEvents(p.b.events, EventInput), 0)
	is.Equal(p.b.ep.LastReceivedFrame(), inputqueue.NullFrame)

	// the endpoint is still usable: a well-formed bundle decodes
	good := []inputqueue.Input{{Frame: 0, Bits: []byte{0x05, 0x00}}}
	bits, numBits := encodeInputDeltas(make([]byte, 2), good)
	msg = &protocol.Msg{
		Header: &protocol.Header{Magic: 0x1234, Sequence: 2, Type: protocol.MsgInput},
		Body: &protocol.Input{
			StartFrame: 0,
			AckFrame:   inputqueue.NullFrame,
			InputSize:  2,
			NumBits:    numBits,
			Bits:       bits,
		},
	}
	data, err = msg.MarshalBinary()
	is.NoErr(err)

	p.b.ep.HandlePacket(data)
	p.b.drainEvents()

	got := inputEvents(p.b.events)
	is.Equal(len(got), 1)
	is.Equal(got[0].Frame, int32(0))
	is.Equal(got[0].Bits, []byte{0x05, 0x00})
}

func TestEndpointPeerStatusRewind(t *testing.T) {
	is := is.New(t)

	p := newPeerPair(PipeConfig{}, 2, 0, 0)

	send := func(seq uint16, frames [2]int32) {
		msg := &protocol.Msg{
			Header: &protocol.Header{Magic: 0x7777, Sequence: seq, Type: protocol.MsgInput},
			Body: &protocol.Input{
				PeerConnectStatus: []protocol.ConnectStatus{
					{LastFrame: frames[0]},
					{LastFrame: frames[1]},
				},
				StartFrame: 0,
				AckFrame:   inputqueue.NullFrame,
				InputSize:  2,
			},
		}
		data, err := msg.MarshalBinary()
		is.NoErr(err)
		p.a.ep.HandlePacket(data)
	}

	send(1, [2]int32{100, 40})
	// a mid-match disconnect rewinds the sender's reported frame for a
	// queue; the mirror keeps its high-water mark
	send(2, [2]int32{90, 41})

	is.Equal(p.a.ep.PeerConnectStatus(0).LastFrame, int32(100))
	is.Equal(p.a.ep.PeerConnectStatus(1).LastFrame, int32(41))
}

func TestPipeDeliversInTimeOrder(t *testing.T) {
	is := is.New(t)

	clock := newFakeClock()
	a, b := Pipe(PipeConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, clock.Now)

	for i := 0; i < 3; i++ {
		is.NoErr(a.WriteTo([]byte(fmt.Sprintf("pkt-%d", i)), b.LocalAddr()))
	}

	buf := make([]byte, 64)
	_, _, ok, err := b.ReadFrom(buf)
	is.NoErr(err)
	is.Equal(ok, false) // nothing due yet

	clock.Advance(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		n, addr, ok, err := b.ReadFrom(buf)
		is.NoErr(err)
		is.True(ok)
		is.Equal(addr, a.LocalAddr())
		is.Equal(string(buf[:n]), fmt.Sprintf("pkt-%d", i))
	}

	is.NoErr(b.Close())
	_, _, _, err = b.ReadFrom(buf)
	is.True(err != nil)
}
