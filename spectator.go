package netplay

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/frameloop/netplay/internal/protocol"
	"github.com/frameloop/netplay/internal/rollback"
	"github.com/frameloop/netplay/internal/transport"
	"github.com/phuslu/log"
)

// SpectatorConfig configures a SpectatorSession. NumPlayers and InputSize
// must match the host's session exactly.
type SpectatorConfig struct {
	Conn     PacketConn
	HostAddr string

	NumPlayers int
	InputSize  int

	// MaxFramesBehind is how far the playback may trail the host's
	// confirmed frame before FramesBehind starts urging the application
	// to run extra ticks. Default 30.
	MaxFramesBehind int

	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration

	Clock  func() time.Time
	Seed   int64
	Logger *log.Logger
}

// SpectatorSession replays a match from the host's confirmed input
// stream. It contributes nothing: no inputs, no rollbacks, no influence
// on the players. The same Callbacks interface is used, but only
// AdvanceFrame and OnEvent are ever invoked.
type SpectatorSession struct {
	cfg       SpectatorConfig
	logger    *log.Logger
	clock     func() time.Time
	conn      PacketConn
	callbacks Callbacks

	endpoint *transport.Endpoint
	hostKey  transport.AddrKey

	// frameCount is the next frame to play; inputs holds the merged
	// payloads received for frames at or past it.
	frameCount Frame
	inputs     map[Frame][]byte

	synchronizing bool
	readBuf       []byte
	closed        bool
}

// NewSpectatorSession connects to a hosting session as a spectator. The
// handshake runs across Idle calls; EventRunning fires when the input
// stream starts.
func NewSpectatorSession(cfg SpectatorConfig, callbacks Callbacks) (*SpectatorSession, error) {
	if cfg.Conn == nil {
		return nil, errors.New("config: conn is required")
	}
	if callbacks == nil {
		return nil, errors.New("config: callbacks are required")
	}
	if cfg.HostAddr == "" {
		return nil, errors.New("config: host addr is required")
	}
	if cfg.NumPlayers <= 0 || cfg.NumPlayers > protocol.MaxPlayers {
		return nil, fmt.Errorf("config: num players %d out of range [1, %d]", cfg.NumPlayers, protocol.MaxPlayers)
	}
	merged := cfg.NumPlayers * cfg.InputSize
	if cfg.InputSize <= 0 || merged > protocol.MaxInputSize {
		return nil, fmt.Errorf("config: merged input size %d out of range [1, %d]", merged, protocol.MaxInputSize)
	}
	if cfg.MaxFramesBehind == 0 {
		cfg.MaxFramesBehind = 30
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

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	logger := cfg.Logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// the status slab is only piggybacked outward; a spectator has no
	// view of its own to report
	status := make([]rollback.ConnectStatus, cfg.NumPlayers)
	for i := range status {
		status[i].LastFrame = NullFrame
	}

	s := &SpectatorSession{
		cfg:       cfg,
		logger:    logger,
		clock:     cfg.Clock,
		conn:      cfg.Conn,
		callbacks: callbacks,

		hostKey: transport.MakeAddrKey(cfg.HostAddr),

		inputs: make(map[Frame][]byte),

		synchronizing: true,
		readBuf:       make([]byte, 2048),
	}
	s.endpoint = transport.NewEndpoint(transport.EndpointConfig{
		Conn:                  cfg.Conn,
		PeerAddr:              cfg.HostAddr,
		Queue:                 0,
		NumPlayers:            cfg.NumPlayers,
		InputSize:             merged,
		LocalConnectStatus:    status,
		DisconnectTimeout:     cfg.DisconnectTimeout,
		DisconnectNotifyStart: cfg.DisconnectNotifyStart,
		Clock:                 cfg.Clock,
		Rand:                  rand.New(rand.NewSource(seed)),
		Logger:                logger,
	})
	s.endpoint.Synchronize()
	return s, nil
}

// Idle pumps the connection to the host. Call at least once per playback
// tick.
func (s *SpectatorSession) Idle() error {
	if s.closed {
		return ErrSessionClosed
	}

	for {
		n, addr, ok, err := s.conn.ReadFrom(s.readBuf)
		if err != nil {
			return fmt.Errorf("could not read from conn: %w", err)
		}
		if !ok {
			break
		}
		if transport.MakeAddrKey(addr) != s.hostKey {
			continue
		}
		s.endpoint.HandlePacket(s.readBuf[:n])
	}

	s.endpoint.Poll()

	for _, ev := range s.endpoint.PollEvents() {
		s.handleEvent(ev)
	}
	return nil
}

func (s *SpectatorSession) handleEvent(ev transport.Event) {
	const host = PlayerHandle(1)

	switch ev.Type {
	case transport.EventConnected:
		s.callbacks.OnEvent(Event{Type: EventConnected, Player: host})

	case transport.EventSynchronizing:
		s.callbacks.OnEvent(Event{Type: EventSynchronizing, Player: host, Count: ev.Count, Total: ev.Total})

	case transport.EventSynchronized:
		s.callbacks.OnEvent(Event{Type: EventSynchronized, Player: host})
		if s.synchronizing {
			s.synchronizing = false
			s.callbacks.OnEvent(Event{Type: EventRunning})
		}

	case transport.EventInput:
		if ev.Input.Frame >= s.frameCount {
			s.inputs[ev.Input.Frame] = ev.Input.Bits
		}

	case transport.EventDisconnected:
		s.callbacks.OnEvent(Event{Type: EventDisconnected, Player: host})

	case transport.EventNetworkInterrupted:
		s.callbacks.OnEvent(Event{Type: EventConnectionInterrupted, Player: host, Timeout: ev.DisconnectTimeout})

	case transport.EventNetworkResumed:
		s.callbacks.OnEvent(Event{Type: EventConnectionResumed, Player: host})
	}
}

// SynchronizeInputs returns every player's confirmed input for the
// current playback frame, or ErrInputNotReady when the host's stream has
// not caught up to it yet.
func (s *SpectatorSession) SynchronizeInputs() ([][]byte, uint32, error) {
	if s.closed {
		return nil, 0, ErrSessionClosed
	}
	if s.synchronizing {
		return nil, 0, ErrNotSynchronized
	}

	merged, ok := s.inputs[s.frameCount]
	if !ok {
		return nil, 0, ErrInputNotReady
	}

	inputs := make([][]byte, s.cfg.NumPlayers)
	var disconnected uint32
	for i := 0; i < s.cfg.NumPlayers; i++ {
		inputs[i] = merged[i*s.cfg.InputSize : (i+1)*s.cfg.InputSize]

		status := s.endpoint.PeerConnectStatus(i)
		if status.Disconnected && s.frameCount > status.LastFrame {
			disconnected |= 1 << uint(i)
		}
	}
	return inputs, disconnected, nil
}

// AdvanceFrame moves playback to the next frame.
func (s *SpectatorSession) AdvanceFrame() error {
	if s.closed {
		return ErrSessionClosed
	}
	delete(s.inputs, s.frameCount)
	s.frameCount++
	return s.Idle()
}

// CurrentFrame is the next frame to play.
func (s *SpectatorSession) CurrentFrame() Frame { return s.frameCount }

// FramesBehind is how far playback trails the newest frame received from
// the host. When it exceeds MaxFramesBehind the application should run
// extra ticks per render to catch up.
func (s *SpectatorSession) FramesBehind() int {
	behind := s.endpoint.LastReceivedFrame() - s.frameCount
	if behind < 0 {
		return 0
	}
	return int(behind)
}

// NetworkStats reports the connection quality to the host.
func (s *SpectatorSession) NetworkStats() NetworkStats {
	return statsFromTransport(s.endpoint.NetworkStats())
}

// Close notifies the host and releases the conn.
func (s *SpectatorSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.endpoint.Disconnect()
	return s.conn.Close()
}
