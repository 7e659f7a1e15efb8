// Package netplay is a peer-to-peer rollback netcode engine. It keeps two
// or more deterministic simulations in lockstep across an unreliable
// datagram link with no authoritative server: each peer runs ahead of
// confirmed remote input by predicting it, then rolls back and resimulates
// when a prediction turns out wrong.
//
// The engine is single-threaded and never blocks. The embedding
// application owns the loop: call Idle at least once per tick to pump the
// network, AddLocalInput and SynchronizeInputs to exchange inputs, and
// AdvanceFrame after each simulation step. The simulation itself stays
// outside the engine, reachable only through the Callbacks interface.
package netplay

import (
	"time"

	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/frameloop/netplay/internal/transport"
	"github.com/phuslu/log"
)

// Frame is a simulation tick id. Frames increase monotonically from 0;
// NullFrame means "none".
type Frame = int32

const NullFrame Frame = inputqueue.NullFrame

// PacketConn is the unreliable datagram primitive the engine runs on. The
// engine adds sequencing, acknowledgement, retransmission and
// fragmentation on top; the conn may drop, duplicate and reorder freely.
// Reads must never block: ok reports whether a datagram was pending.
type PacketConn interface {
	ReadFrom(buf []byte) (n int, addr string, ok bool, err error)
	WriteTo(data []byte, addr string) error
	LocalAddr() string
	Close() error
}

// ListenUDP binds a UDP socket usable as the session's PacketConn.
func ListenUDP(network, address string, logger *log.Logger) (PacketConn, error) {
	return transport.NewUDPConn(network, address, logger)
}

// PipeConfig shapes the simulated link returned by Pipe.
type PipeConfig struct {
	// LossRate is the probability in [0, 1) that a packet vanishes.
	LossRate float64
	// Per-packet delay is uniform in [MinDelay, MaxDelay]; jitter causes
	// natural reordering.
	MinDelay time.Duration
	MaxDelay time.Duration
	Seed     int64
}

// Pipe returns two connected in-memory PacketConns with configurable loss
// and jitter. With a virtual Clock in the session Config, whole matches
// run instantly in tests.
func Pipe(cfg PipeConfig) (PacketConn, PacketConn) {
	return PipeClock(cfg, nil)
}

// PipeClock is Pipe with an injected clock.
func PipeClock(cfg PipeConfig, now func() time.Time) (PacketConn, PacketConn) {
	a, b := transport.Pipe(transport.PipeConfig{
		LossRate: cfg.LossRate,
		MinDelay: cfg.MinDelay,
		MaxDelay: cfg.MaxDelay,
		Seed:     cfg.Seed,
	}, now)
	return a, b
}

type PlayerKind int

const (
	// PlayerLocal contributes input through AddLocalInput.
	PlayerLocal PlayerKind = iota
	// PlayerRemote contributes input over the wire.
	PlayerRemote
	// PlayerSpectator receives the confirmed input stream and sends
	// nothing; it never influences rollback.
	PlayerSpectator
)

func (k PlayerKind) String() string {
	switch k {
	case PlayerLocal:
		return "local"
	case PlayerRemote:
		return "remote"
	case PlayerSpectator:
		return "spectator"
	}
	return "unknown"
}

// Player describes a participant handed to AddPlayer.
type Player struct {
	Kind PlayerKind
	// Slot is the zero-based player slot for local and remote players.
	// Ignored for spectators.
	Slot int
	// Addr is the peer's datagram address. Empty for local players.
	Addr string
}

// PlayerHandle identifies a participant within one session. Handles are
// plain integers, valid only for the session that issued them.
type PlayerHandle int

// Callbacks is the capability interface the embedding simulation provides.
//
// SaveState serializes the complete simulation state at frame into an
// opaque blob; LoadState must restore it exactly. AdvanceFrame runs
// exactly one deterministic tick with the given per-slot inputs
// (disconnected is a bitmask of slots whose input is synthesized zeroes).
// OnEvent receives session lifecycle notifications; it is always invoked
// from within the caller's own Idle/AdvanceFrame call, never concurrently.
type Callbacks interface {
	SaveState(frame Frame) ([]byte, error)
	LoadState(frame Frame, state []byte) error
	AdvanceFrame(inputs [][]byte, disconnected uint32) error
	OnEvent(ev Event)
}

type EventType int

const (
	EventNone EventType = iota
	// EventConnected: the handshake with a peer got its first reply.
	EventConnected
	// EventSynchronizing: handshake progress with a peer.
	EventSynchronizing
	// EventSynchronized: the handshake with a peer completed.
	EventSynchronized
	// EventRunning: every peer is synchronized; inputs flow now.
	EventRunning
	// EventConnectionInterrupted: a peer went quiet and will be
	// disconnected in Timeout unless traffic resumes.
	EventConnectionInterrupted
	// EventConnectionResumed: traffic from an interrupted peer resumed.
	EventConnectionResumed
	// EventDisconnected: a player left, timed out, or was disconnected by
	// another peer. Its input is frozen from Frame on.
	EventDisconnected
	// EventTimeSync: the local simulation is ahead of the remotes; the
	// application should idle for FramesAhead frames.
	EventTimeSync
	// EventDesync: a peer reported a checksum for a confirmed frame that
	// differs from ours. Non-fatal; the session keeps running.
	EventDesync
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventSynchronizing:
		return "synchronizing"
	case EventSynchronized:
		return "synchronized"
	case EventRunning:
		return "running"
	case EventConnectionInterrupted:
		return "connection-interrupted"
	case EventConnectionResumed:
		return "connection-resumed"
	case EventDisconnected:
		return "disconnected"
	case EventTimeSync:
		return "timesync"
	case EventDesync:
		return "desync"
	}
	return "unknown"
}

// Event is a tagged variant: Type selects which fields are meaningful.
type Event struct {
	Type   EventType
	Player PlayerHandle

	// EventSynchronizing
	Count, Total int

	// EventConnectionInterrupted
	Timeout time.Duration

	// EventTimeSync
	FramesAhead int

	// EventDisconnected, EventDesync
	Frame Frame

	// EventDesync
	LocalChecksum  uint64
	RemoteChecksum uint64
}

// NetworkStats is a point-in-time snapshot of one remote connection.
type NetworkStats struct {
	// Ping is the smoothed round trip time.
	Ping time.Duration
	// SendQueueLen counts input frames sent but not yet acknowledged.
	SendQueueLen int
	// KbpsSent is the outbound bandwidth over the last second.
	KbpsSent int
	// LocalFramesBehind and RemoteFramesBehind are each side's estimate
	// of how far it trails the other.
	LocalFramesBehind  int
	RemoteFramesBehind int
}

// Config configures a Session. NumPlayers, InputSize and Conn are
// required; zero values elsewhere pick the defaults.
type Config struct {
	// Conn carries all traffic for this session. The session owns it
	// from New on and closes it on Close.
	Conn PacketConn

	// NumPlayers is the number of player slots (local + remote, not
	// spectators). Input size times player count must stay within a
	// single datagram's input payload budget.
	NumPlayers int
	// InputSize is the fixed per-player per-frame input payload in bytes.
	InputSize int

	// MaxPrediction is how many frames the simulation may run ahead of
	// confirmed remote input. Default 8.
	MaxPrediction int
	// SavedStateCapacity is the rollback horizon: how many saved states
	// are retained. Must exceed MaxPrediction. Default MaxPrediction+2.
	SavedStateCapacity int
	// SparseSaving skips re-saving intermediate frames during
	// resimulation, trading cheaper rollbacks now for longer ones later.
	SparseSaving bool

	// DisconnectTimeout is how long a peer may stay silent before it is
	// disconnected. Zero disables the watchdog. Default 5s.
	DisconnectTimeout time.Duration
	// DisconnectNotifyStart is how long a peer may stay silent before
	// EventConnectionInterrupted fires. Default 750ms.
	DisconnectNotifyStart time.Duration

	// Clock overrides the wall clock, letting tests drive all protocol
	// timers virtually. Default time.Now.
	Clock func() time.Time
	// Seed fixes the protocol's random source. Zero picks entropy.
	Seed int64

	Logger *log.Logger
}

const (
	defaultMaxPrediction         = 8
	defaultDisconnectTimeout     = 5 * time.Second
	defaultDisconnectNotifyStart = 750 * time.Millisecond
)

func (cfg *Config) applyDefaults() {
	if cfg.MaxPrediction == 0 {
		cfg.MaxPrediction = defaultMaxPrediction
	}
	if cfg.SavedStateCapacity == 0 {
		cfg.SavedStateCapacity = cfg.MaxPrediction + 2
	}
	if cfg.DisconnectTimeout == 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if cfg.DisconnectNotifyStart == 0 {
		cfg.DisconnectNotifyStart = defaultDisconnectNotifyStart
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
}

func statsFromTransport(st transport.NetworkStats) NetworkStats {
	return NetworkStats{
		Ping:               st.Ping,
		SendQueueLen:       st.SendQueueLen,
		KbpsSent:           st.KbpsSent,
		LocalFramesBehind:  st.LocalFramesBehind,
		RemoteFramesBehind: st.RemoteFramesBehind,
	}
}
