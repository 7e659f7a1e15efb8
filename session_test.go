package netplay

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

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

// testGame is a deterministic toy simulation: the state is a running hash
// of every frame's inputs, so two instances fed identical confirmed
// inputs end up with identical states no matter how their predictions and
// rollbacks interleaved.
type testGame struct {
	frame Frame
	state uint64

	// perturbFrom breaks determinism on purpose from that frame on, to
	// provoke a desync. Zero disables.
	perturbFrom Frame

	events []Event
}

func (g *testGame) tick(inputs [][]byte, disconnected uint32) {
	g.state = g.state*0x100000001b3 + uint64(g.frame)
	g.state = g.state*0x100000001b3 + uint64(disconnected)
	for _, in := range inputs {
		for _, b := range in {
			g.state = g.state*0x100000001b3 + uint64(b)
		}
	}
	if g.perturbFrom > 0 && g.frame >= g.perturbFrom {
		g.state ^= 0xbadc0de
	}
	g.frame++
}

func (g *testGame) SaveState(frame Frame) ([]byte, error) {
	blob := make([]byte, 8)
	binary.BigEndian.PutUint64(blob, g.state)
	return blob, nil
}

func (g *testGame) LoadState(frame Frame, state []byte) error {
	g.state = binary.BigEndian.Uint64(state)
	g.frame = frame
	return nil
}

func (g *testGame) AdvanceFrame(inputs [][]byte, disconnected uint32) error {
	g.tick(inputs, disconnected)
	return nil
}

func (g *testGame) OnEvent(ev Event) {
	g.events = append(g.events, ev)
}

func (g *testGame) count(typ EventType) int {
	n := 0
	for _, ev := range g.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// side is one participant's full stack: session, game, local handle and
// its input function.
type side struct {
	session *Session
	game    *testGame
	local   PlayerHandle
	remote  PlayerHandle
	inputFn func(frame Frame) []byte
	done    bool
}

// step runs one iteration of the canonical application loop, tolerating
// the not-ready returns that a real game would idle through.
func (sd *side) step(t *testing.T, target Frame) {
	t.Helper()

	s := sd.session
	if err := s.Idle(); err != nil {
		t.Fatalf("idle: %v", err)
	}

	if s.CurrentFrame() >= target {
		sd.done = true
		return
	}

	if err := s.AddLocalInput(sd.local, sd.inputFn(s.CurrentFrame())); err != nil {
		if errors.Is(err, ErrPredictionThreshold) || errors.Is(err, ErrNotSynchronized) {
			return
		}
		t.Fatalf("add local input: %v", err)
	}

	inputs, disconnected, err := s.SynchronizeInputs()
	if err != nil {
		if errors.Is(err, ErrNotSynchronized) {
			return
		}
		t.Fatalf("synchronize inputs: %v", err)
	}

	sd.game.tick(inputs, disconnected)
	if err := s.AdvanceFrame(); err != nil {
		t.Fatalf("advance frame: %v", err)
	}
}

type match struct {
	clock *fakeClock
	a, b  *side
}

func newMatch(t *testing.T, pipeCfg PipeConfig, tweak func(*Config)) *match {
	t.Helper()
	is := is.New(t)

	clock := newFakeClock()
	connA, connB := PipeClock(pipeCfg, clock.Now)

	build := func(conn PacketConn, localSlot int, seed int64, peerAddr string) *side {
		game := &testGame{}
		cfg := Config{
			Conn:       conn,
			NumPlayers: 2,
			InputSize:  2,
			Clock:      clock.Now,
			Seed:       seed,
		}
		if tweak != nil {
			tweak(&cfg)
		}
		session, err := NewSession(cfg, game)
		is.NoErr(err)

		local, err := session.AddPlayer(Player{Kind: PlayerLocal, Slot: localSlot})
		is.NoErr(err)
		remote, err := session.AddPlayer(Player{Kind: PlayerRemote, Slot: 1 - localSlot, Addr: peerAddr})
		is.NoErr(err)

		slot := localSlot
		return &side{
			session: session,
			game:    game,
			local:   local,
			remote:  remote,
			inputFn: func(frame Frame) []byte {
				return []byte{byte(frame + Frame(slot)*7), byte(frame >> 3)}
			},
		}
	}

	return &match{
		clock: clock,
		a:     build(connA, 0, 11, connB.LocalAddr()),
		b:     build(connB, 1, 22, connA.LocalAddr()),
	}
}

// run drives both sides to target frames, then settles so every late
// confirmation and rollback correction has landed.
func (m *match) run(t *testing.T, target Frame, maxIters int) {
	t.Helper()

	for i := 0; i < maxIters && !(m.a.done && m.b.done); i++ {
		m.clock.Advance(16 * time.Millisecond)
		m.a.step(t, target)
		m.b.step(t, target)
	}
	if !m.a.done || !m.b.done {
		t.Fatalf("match did not finish: a=%d b=%d", m.a.session.CurrentFrame(), m.b.session.CurrentFrame())
	}
	m.settle(t, 300)
}

func (m *match) settle(t *testing.T, iters int) {
	t.Helper()
	for i := 0; i < iters; i++ {
		m.clock.Advance(16 * time.Millisecond)
		if err := m.a.session.Idle(); err != nil {
			t.Fatalf("idle a: %v", err)
		}
		if err := m.b.session.Idle(); err != nil {
			t.Fatalf("idle b: %v", err)
		}
	}
}

func TestSessionTwoPlayersCleanLink(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{}, nil)
	m.run(t, 120, 5000)

	is.Equal(m.a.game.state, m.b.game.state)
	is.True(m.a.game.state != 0)

	for _, sd := range []*side{m.a, m.b} {
		is.Equal(sd.game.count(EventRunning), 1)
		is.Equal(sd.game.count(EventConnected), 1)
		is.Equal(sd.game.count(EventSynchronized), 1)
		is.Equal(sd.game.count(EventDesync), 0)
		is.Equal(sd.game.count(EventDisconnected), 0)
	}
}

func TestSessionLossyJitteryLink(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{
		LossRate: 0.1,
		MinDelay: 30 * time.Millisecond,
		MaxDelay: 70 * time.Millisecond,
		Seed:     42,
	}, nil)
	m.run(t, 600, 50000)

	is.Equal(m.a.game.state, m.b.game.state)
	is.Equal(m.a.game.count(EventDesync), 0)
	is.Equal(m.b.game.count(EventDesync), 0)
}

func TestSessionFrameDelay(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Seed: 5}, nil)
	is.NoErr(m.a.session.SetFrameDelay(m.a.local, 3))
	is.NoErr(m.b.session.SetFrameDelay(m.b.local, 2))

	m.run(t, 120, 10000)

	is.Equal(m.a.game.state, m.b.game.state)
	is.Equal(m.a.game.count(EventDesync), 0)
	is.Equal(m.b.game.count(EventDesync), 0)
}

func TestSessionSparseSaving(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{
		LossRate: 0.05,
		MinDelay: 20 * time.Millisecond,
		MaxDelay: 60 * time.Millisecond,
		Seed:     9,
	}, func(cfg *Config) {
		cfg.SparseSaving = true
	})
	m.run(t, 300, 30000)

	is.Equal(m.a.game.state, m.b.game.state)
	is.Equal(m.a.game.count(EventDesync), 0)
}

func TestSessionDisconnectTimeout(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{}, func(cfg *Config) {
		cfg.DisconnectTimeout = 2 * time.Second
		cfg.DisconnectNotifyStart = time.Second
	})

	// play a while with both sides alive
	for i := 0; i < 200 && !(m.a.done && m.b.done); i++ {
		m.clock.Advance(16 * time.Millisecond)
		m.a.step(t, 50)
		m.b.step(t, 50)
	}
	is.True(m.a.session.CurrentFrame() >= 50)

	// b vanishes; a keeps polling and playing
	m.a.done = false
	for i := 0; i < 2000 && !m.a.done; i++ {
		m.clock.Advance(16 * time.Millisecond)
		m.a.step(t, 400)
	}

	is.Equal(m.a.game.count(EventConnectionInterrupted), 1)
	is.Equal(m.a.game.count(EventDisconnected), 1)

	// with the remote frozen, the local side runs freely again
	is.True(m.a.session.CurrentFrame() >= 400)
}

func TestSessionDesyncDetection(t *testing.T) {
	is := is.New(t)

	m := newMatch(t, PipeConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Seed: 13}, nil)
	m.b.game.perturbFrom = 50

	for i := 0; i < 20000 && !(m.a.done && m.b.done); i++ {
		m.clock.Advance(16 * time.Millisecond)
		m.a.step(t, 300)
		m.b.step(t, 300)
	}
	m.settle(t, 300)

	// both sides compare checksums, so both notice the divergence; the
	// sessions keep running regardless
	is.True(m.a.game.count(EventDesync) >= 1)
	is.True(m.b.game.count(EventDesync) >= 1)
	is.NoErr(m.a.session.Idle())
	is.NoErr(m.b.session.Idle())
}

func TestSessionValidation(t *testing.T) {
	is := is.New(t)

	connA, connB := Pipe(PipeConfig{})
	defer connB.Close()

	game := &testGame{}
	s, err := NewSession(Config{Conn: connA, NumPlayers: 2, InputSize: 2}, game)
	is.NoErr(err)
	defer s.Close()

	local, err := s.AddPlayer(Player{Kind: PlayerLocal, Slot: 0})
	is.NoErr(err)

	_, err = s.AddPlayer(Player{Kind: PlayerLocal, Slot: 0})
	is.True(err != nil) // slot taken

	_, err = s.AddPlayer(Player{Kind: PlayerRemote, Slot: 5, Addr: "x"})
	is.True(err != nil) // slot out of range

	_, err = s.AddPlayer(Player{Kind: PlayerRemote, Slot: 1})
	is.True(err != nil) // missing address

	err = s.AddLocalInput(PlayerHandle(99), []byte{0, 0})
	is.True(errors.Is(err, ErrInvalidHandle))

	_, err = s.NetworkStats(local)
	is.True(errors.Is(err, ErrInvalidHandle)) // local players have no connection

	remote, err := s.AddPlayer(Player{Kind: PlayerRemote, Slot: 1, Addr: connB.LocalAddr()})
	is.NoErr(err)

	err = s.AddLocalInput(local, []byte{0, 0})
	is.True(errors.Is(err, ErrNotSynchronized))

	err = s.SetFrameDelay(remote, 2)
	is.True(errors.Is(err, ErrInvalidHandle))
}
