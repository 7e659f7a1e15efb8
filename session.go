package netplay

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/frameloop/netplay/internal/protocol"
	"github.com/frameloop/netplay/internal/rollback"
	"github.com/frameloop/netplay/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var (
	// ErrInvalidHandle means the player handle does not belong to this
	// session or names the wrong kind of player for the operation.
	ErrInvalidHandle = errors.New("invalid player handle")

	// ErrPlayerDisconnected means the operation targets a player that
	// already left.
	ErrPlayerDisconnected = errors.New("player is disconnected")

	// ErrNotSynchronized means the session is still handshaking with its
	// peers; retry after more Idle calls.
	ErrNotSynchronized = errors.New("session is not synchronized")

	// ErrSessionClosed means the session was closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrPredictionThreshold means the local simulation ran too far ahead
	// of confirmed remote input. Idle and retry.
	ErrPredictionThreshold = rollback.ErrPredictionThreshold

	// ErrRollbackHorizon means a rollback needed a saved state that was
	// already evicted. Fatal: the session cannot recover correctness.
	ErrRollbackHorizon = rollback.ErrRollbackHorizon

	// ErrNonMonotonicFrame means inputs were added out of order.
	ErrNonMonotonicFrame = inputqueue.ErrNonMonotonicFrame

	// ErrInputNotReady means the confirmed input for the current frame
	// has not arrived yet. Idle and retry.
	ErrInputNotReady = errors.New("input not ready")

	// ErrInRollback means a session method was called from within a
	// rollback resimulation, where only the Callbacks run.
	ErrInRollback = errors.New("session is resimulating")
)

// recommendationInterval spaces out EventTimeSync so the application is
// not asked to idle every single frame.
const recommendationInterval = 240

// checksumHistoryWindow bounds how long an unmatched peer checksum is
// kept waiting for the local frame to be confirmed.
const checksumHistoryWindow = 128

type playerSlot struct {
	kind PlayerKind
	// queue is the player slot for local/remote players, the join order
	// for spectators.
	queue    int
	endpoint *transport.Endpoint
}

// Session is a peer-to-peer rollback session. All methods must be called
// from a single goroutine; the session runs no goroutines of its own and
// never blocks.
//
// The expected loop, once per simulation tick:
//
//	session.Idle()
//	session.AddLocalInput(local, input)
//	inputs, disconnected, err := session.SynchronizeInputs()
//	if err == nil {
//		game.Tick(inputs, disconnected)
//		session.AdvanceFrame()
//	}
//
// The Callbacks' AdvanceFrame is only invoked by the session itself, to
// resimulate during rollback.
type Session struct {
	cfg       Config
	logger    *log.Logger
	clock     func() time.Time
	rng       *rand.Rand
	conn      PacketConn
	callbacks Callbacks

	sync               *rollback.Sync
	localConnectStatus []rollback.ConnectStatus

	// players is an arena: PlayerHandle is index+1, and every
	// cross-reference goes through handles rather than pointers.
	players    []playerSlot
	endpoints  []*transport.Endpoint // remote players only
	spectators []*transport.Endpoint
	routes     map[transport.AddrKey]*transport.Endpoint

	synchronizing      bool
	nextSpectatorFrame Frame
	nextRecommendCheck Frame

	// peer checksums waiting for the matching local frame to confirm
	pendingChecksums map[PlayerHandle]map[Frame]uint64

	readBuf []byte

	fatal  error
	closed bool
}

// NewSession creates a session on top of the given datagram conn. Players
// and spectators are added afterwards with AddPlayer; the handshake with
// each of them runs in the background of Idle calls until EventRunning
// fires.
func NewSession(cfg Config, callbacks Callbacks) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errors.New("config: conn is required")
	}
	if callbacks == nil {
		return nil, errors.New("config: callbacks are required")
	}
	if cfg.NumPlayers <= 0 || cfg.NumPlayers > protocol.MaxPlayers {
		return nil, fmt.Errorf("config: num players %d out of range [1, %d]", cfg.NumPlayers, protocol.MaxPlayers)
	}
	if cfg.InputSize <= 0 || cfg.InputSize > protocol.MaxInputSize {
		return nil, fmt.Errorf("config: input size %d out of range [1, %d]", cfg.InputSize, protocol.MaxInputSize)
	}
	cfg.applyDefaults()

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

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		clock:     cfg.Clock,
		rng:       rand.New(rand.NewSource(seed)),
		conn:      cfg.Conn,
		callbacks: callbacks,

		localConnectStatus: make([]rollback.ConnectStatus, cfg.NumPlayers),

		routes: make(map[transport.AddrKey]*transport.Endpoint),

		pendingChecksums: make(map[PlayerHandle]map[Frame]uint64),

		readBuf: make([]byte, 2048),
	}
	for i := range s.localConnectStatus {
		s.localConnectStatus[i].LastFrame = NullFrame
	}

	var err error
	s.sync, err = rollback.New(rollback.Config{
		NumPlayers:         cfg.NumPlayers,
		InputSize:          cfg.InputSize,
		MaxPrediction:      cfg.MaxPrediction,
		SavedStateCapacity: cfg.SavedStateCapacity,
		SparseSaving:       cfg.SparseSaving,
	}, callbacks, s.localConnectStatus, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AddPlayer registers a participant and returns its handle. Local and
// remote players fill distinct slots in [0, NumPlayers); spectators are
// unbounded by slots but must join before the confirmed input stream
// starts flowing.
func (s *Session) AddPlayer(p Player) (PlayerHandle, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}

	switch p.Kind {
	case PlayerLocal:
		if err := s.claimSlot(p.Slot); err != nil {
			return 0, err
		}
		s.players = append(s.players, playerSlot{kind: PlayerLocal, queue: p.Slot})

	case PlayerRemote:
		if err := s.claimSlot(p.Slot); err != nil {
			return 0, err
		}
		ep, err := s.addEndpoint(p.Addr, p.Slot, s.cfg.InputSize)
		if err != nil {
			return 0, err
		}
		s.players = append(s.players, playerSlot{kind: PlayerRemote, queue: p.Slot, endpoint: ep})
		s.endpoints = append(s.endpoints, ep)

	case PlayerSpectator:
		if s.nextSpectatorFrame > 0 {
			// the stream is delta-coded from frame 0; a late joiner
			// could never decode it
			return 0, errors.New("spectators must join before the match starts")
		}
		// spectators receive every player's input merged into one frame
		// payload
		merged := s.cfg.NumPlayers * s.cfg.InputSize
		if merged > protocol.MaxInputSize {
			return 0, fmt.Errorf("merged input size %d exceeds the wire limit %d", merged, protocol.MaxInputSize)
		}
		ep, err := s.addEndpoint(p.Addr, 0, merged)
		if err != nil {
			return 0, err
		}
		s.players = append(s.players, playerSlot{kind: PlayerSpectator, queue: len(s.spectators), endpoint: ep})
		s.spectators = append(s.spectators, ep)

	default:
		return 0, fmt.Errorf("unknown player kind %d", p.Kind)
	}

	handle := PlayerHandle(len(s.players))
	s.logger.Info().
		Str("kind", p.Kind.String()).
		Int("slot", p.Slot).
		Str("addr", p.Addr).
		Int("handle", int(handle)).
		Msg("player added")
	return handle, nil
}

func (s *Session) claimSlot(slot int) error {
	if slot < 0 || slot >= s.cfg.NumPlayers {
		return fmt.Errorf("player slot %d out of range [0, %d)", slot, s.cfg.NumPlayers)
	}
	for _, p := range s.players {
		if p.kind != PlayerSpectator && p.queue == slot {
			return fmt.Errorf("player slot %d already taken", slot)
		}
	}
	return nil
}

func (s *Session) addEndpoint(addr string, queue, inputSize int) (*transport.Endpoint, error) {
	if addr == "" {
		return nil, errors.New("remote player requires an address")
	}
	key := transport.MakeAddrKey(addr)
	if _, taken := s.routes[key]; taken {
		return nil, fmt.Errorf("address %q already in use", addr)
	}

	ep := transport.NewEndpoint(transport.EndpointConfig{
		Conn:                  s.conn,
		PeerAddr:              addr,
		Queue:                 queue,
		NumPlayers:            s.cfg.NumPlayers,
		InputSize:             inputSize,
		LocalConnectStatus:    s.localConnectStatus,
		DisconnectTimeout:     s.cfg.DisconnectTimeout,
		DisconnectNotifyStart: s.cfg.DisconnectNotifyStart,
		Clock:                 s.clock,
		Rand:                  s.rng,
		Logger:                s.logger,
	})
	ep.Synchronize()

	s.routes[key] = ep
	s.synchronizing = true
	return ep, nil
}

// AddLocalInput submits the local player's input for the current frame
// and ships it to every remote. ErrPredictionThreshold means the session
// ran too far ahead; keep polling Idle and retry next tick.
func (s *Session) AddLocalInput(handle PlayerHandle, input []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	slot, err := s.slot(handle)
	if err != nil {
		return err
	}
	if slot.kind != PlayerLocal {
		return ErrInvalidHandle
	}
	if s.sync.InRollback() {
		return ErrInRollback
	}
	if s.synchronizing {
		return ErrNotSynchronized
	}
	if s.localConnectStatus[slot.queue].Disconnected {
		return ErrPlayerDisconnected
	}
	if len(input) != s.cfg.InputSize {
		return fmt.Errorf("input is %d bytes, session uses %d", len(input), s.cfg.InputSize)
	}

	landed, err := s.sync.AddLocalInput(slot.queue, input)
	if err != nil {
		return err
	}
	if landed == NullFrame {
		// a shrinking frame delay dropped this input on the floor
		return nil
	}

	s.localConnectStatus[slot.queue].LastFrame = landed

	bits := append([]byte(nil), input...)
	for _, ep := range s.endpoints {
		ep.SendInput(inputqueue.Input{Frame: landed, Bits: bits})
	}
	return nil
}

// SynchronizeInputs gathers the best-known input of every player slot for
// the current frame: confirmed where available, predicted otherwise.
// disconnected is a bitmask of slots whose input is synthesized zeroes.
func (s *Session) SynchronizeInputs() ([][]byte, uint32, error) {
	if err := s.usable(); err != nil {
		return nil, 0, err
	}
	if s.synchronizing {
		return nil, 0, ErrNotSynchronized
	}
	inputs, disconnected := s.sync.SynchronizeInputs()
	return inputs, disconnected, nil
}

// AdvanceFrame completes the current frame after the caller has run its
// simulation tick: the resulting state is saved and the housekeeping that
// Idle does runs once more.
func (s *Session) AdvanceFrame() error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.sync.IncrementFrame(); err != nil {
		s.fatal = err
		return err
	}
	return s.Idle()
}

// Idle pumps the network and all protocol timers. Call at least once per
// simulation tick, and more often when the tick rate is low.
func (s *Session) Idle() error {
	if err := s.usable(); err != nil {
		return err
	}

	if err := s.pumpNetwork(); err != nil {
		return err
	}
	for i := range s.players {
		if ep := s.players[i].endpoint; ep != nil {
			ep.Poll()
		}
	}
	if err := s.processEndpointEvents(); err != nil {
		return err
	}

	if s.synchronizing || s.sync.InRollback() {
		return nil
	}

	if err := s.sync.CheckSimulation(); err != nil {
		// a failed rollback leaves the simulation unusable
		s.fatal = err
		return err
	}

	frameCount := s.sync.FrameCount()
	for _, ep := range s.endpoints {
		ep.SetLocalFrameNumber(frameCount)
	}

	minConfirmed := s.pollPlayers()
	if minConfirmed >= 0 {
		s.pushSpectators(minConfirmed)
		s.sync.SetLastConfirmedFrame(minConfirmed)

		if frame, sum := s.sync.LatestConfirmedChecksum(); frame != NullFrame {
			for _, ep := range s.endpoints {
				ep.SetLocalChecksum(frame, sum)
			}
		}
		s.sweepPeerChecksums(minConfirmed)
	}

	if frameCount >= s.nextRecommendCheck {
		interval := 0
		for _, ep := range s.endpoints {
			if ep.IsRunning() && ep.RecommendFrameDelay() > interval {
				interval = ep.RecommendFrameDelay()
			}
		}
		if interval > 0 {
			s.callbacks.OnEvent(Event{Type: EventTimeSync, FramesAhead: interval})
			s.nextRecommendCheck = frameCount + recommendationInterval
		}
	}
	return nil
}

// DisconnectPlayer removes a player from the match. Disconnecting the
// local player tells every remote to drop us, which disconnects them all
// from our point of view.
func (s *Session) DisconnectPlayer(handle PlayerHandle) error {
	if err := s.usable(); err != nil {
		return err
	}
	slot, err := s.slot(handle)
	if err != nil {
		return err
	}

	if slot.kind == PlayerSpectator {
		if slot.endpoint.State() == transport.StateDisconnected {
			return ErrPlayerDisconnected
		}
		slot.endpoint.Disconnect()
		s.callbacks.OnEvent(Event{Type: EventDisconnected, Player: handle})
		return nil
	}

	if s.localConnectStatus[slot.queue].Disconnected {
		return ErrPlayerDisconnected
	}

	if slot.kind == PlayerLocal {
		// leaving ourselves: every remote player goes away at the
		// current frame
		current := s.sync.FrameCount()
		for i := range s.players {
			other := &s.players[i]
			if other.kind == PlayerRemote && !s.localConnectStatus[other.queue].Disconnected {
				s.disconnectQueue(PlayerHandle(i+1), other, current)
			}
		}
		return nil
	}

	s.disconnectQueue(handle, slot, s.localConnectStatus[slot.queue].LastFrame)
	return nil
}

// disconnectQueue freezes a player slot at syncto. If the simulation
// already ran past syncto using predicted inputs for that player, it is
// rolled back and replayed with the slot's input frozen.
func (s *Session) disconnectQueue(handle PlayerHandle, slot *playerSlot, syncto Frame) {
	frameCount := s.sync.FrameCount()

	if slot.endpoint != nil {
		slot.endpoint.Disconnect()
	}

	s.logger.Info().
		Int("handle", int(handle)).
		Int64("last_frame", int64(syncto)).
		Int64("frame_count", int64(frameCount)).
		Msg("disconnecting player")

	s.localConnectStatus[slot.queue].Disconnected = true
	s.localConnectStatus[slot.queue].LastFrame = syncto

	if syncto < frameCount {
		if err := s.sync.AdjustSimulation(syncto); err != nil {
			s.fatal = err
			return
		}
	}

	s.callbacks.OnEvent(Event{Type: EventDisconnected, Player: handle, Frame: syncto})
	s.checkInitialSync()
}

// SetFrameDelay makes a local player's inputs apply that many frames
// late, trading input latency for fewer rollbacks.
func (s *Session) SetFrameDelay(handle PlayerHandle, delay int) error {
	slot, err := s.slot(handle)
	if err != nil {
		return err
	}
	if slot.kind != PlayerLocal {
		return ErrInvalidHandle
	}
	s.sync.SetFrameDelay(slot.queue, delay)
	return nil
}

// SetDisconnectTimeout reconfigures the silence watchdog on every
// connection.
func (s *Session) SetDisconnectTimeout(d time.Duration) {
	s.cfg.DisconnectTimeout = d
	for _, ep := range s.routes {
		ep.SetDisconnectTimeout(d)
	}
}

func (s *Session) SetDisconnectNotifyStart(d time.Duration) {
	s.cfg.DisconnectNotifyStart = d
	for _, ep := range s.routes {
		ep.SetDisconnectNotifyStart(d)
	}
}

// NetworkStats reports the connection quality of a remote player or
// spectator.
func (s *Session) NetworkStats(handle PlayerHandle) (NetworkStats, error) {
	slot, err := s.slot(handle)
	if err != nil {
		return NetworkStats{}, err
	}
	if slot.endpoint == nil {
		return NetworkStats{}, ErrInvalidHandle
	}
	return statsFromTransport(slot.endpoint.NetworkStats()), nil
}

// CurrentFrame is the frame the simulation is about to run.
func (s *Session) CurrentFrame() Frame { return s.sync.FrameCount() }

// Close notifies all peers and releases the conn. The session is unusable
// afterwards.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ep := range s.routes {
		ep.Disconnect()
	}
	return s.conn.Close()
}

func (s *Session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.fatal != nil {
		return s.fatal
	}
	return nil
}

func (s *Session) slot(handle PlayerHandle) (*playerSlot, error) {
	idx := int(handle) - 1
	if idx < 0 || idx >= len(s.players) {
		return nil, ErrInvalidHandle
	}
	return &s.players[idx], nil
}

func (s *Session) pumpNetwork() error {
	for {
		n, addr, ok, err := s.conn.ReadFrom(s.readBuf)
		if err != nil {
			return fmt.Errorf("could not read from conn: %w", err)
		}
		if !ok {
			return nil
		}

		ep, known := s.routes[transport.MakeAddrKey(addr)]
		if !known {
			s.logger.Debug().
				Str("addr", addr).
				Msg("dropping packet from unknown sender")
			continue
		}
		ep.HandlePacket(s.readBuf[:n])
	}
}

func (s *Session) processEndpointEvents() error {
	var result *multierror.Error
	for i := range s.players {
		slot := &s.players[i]
		if slot.endpoint == nil {
			continue
		}
		handle := PlayerHandle(i + 1)
		for _, ev := range slot.endpoint.PollEvents() {
			if err := s.handleEndpointEvent(handle, slot, ev); err != nil {
				result = multierror.Append(result, fmt.Errorf("peer %s: %w", slot.endpoint.PeerAddr(), err))
			}
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) handleEndpointEvent(handle PlayerHandle, slot *playerSlot, ev transport.Event) error {
	switch ev.Type {
	case transport.EventConnected:
		s.callbacks.OnEvent(Event{Type: EventConnected, Player: handle})

	case transport.EventSynchronizing:
		s.callbacks.OnEvent(Event{Type: EventSynchronizing, Player: handle, Count: ev.Count, Total: ev.Total})

	case transport.EventSynchronized:
		s.callbacks.OnEvent(Event{Type: EventSynchronized, Player: handle})
		s.checkInitialSync()

	case transport.EventInput:
		if slot.kind != PlayerRemote {
			return nil
		}
		if s.localConnectStatus[slot.queue].Disconnected {
			return nil
		}
		if err := s.sync.AddRemoteInput(slot.queue, ev.Input); err != nil {
			return err
		}
		s.localConnectStatus[slot.queue].LastFrame = ev.Input.Frame

	case transport.EventDisconnected:
		if slot.kind == PlayerSpectator {
			s.callbacks.OnEvent(Event{Type: EventDisconnected, Player: handle})
			return nil
		}
		if !s.localConnectStatus[slot.queue].Disconnected {
			s.disconnectQueue(handle, slot, s.localConnectStatus[slot.queue].LastFrame)
		}

	case transport.EventNetworkInterrupted:
		s.callbacks.OnEvent(Event{Type: EventConnectionInterrupted, Player: handle, Timeout: ev.DisconnectTimeout})

	case transport.EventNetworkResumed:
		s.callbacks.OnEvent(Event{Type: EventConnectionResumed, Player: handle})

	case transport.EventPeerChecksum:
		s.recordPeerChecksum(handle, ev.Frame, ev.Checksum)
	}
	return nil
}

func (s *Session) checkInitialSync() {
	if !s.synchronizing {
		return
	}
	for i := range s.players {
		ep := s.players[i].endpoint
		if ep != nil && !ep.IsRunning() && ep.State() != transport.StateDisconnected {
			return
		}
	}
	s.synchronizing = false
	s.logger.Info().Msg("all peers synchronized")
	s.callbacks.OnEvent(Event{Type: EventRunning})
}

// pollPlayers computes the globally confirmed frame: the minimum last
// confirmed frame across every connected player slot, seen both locally
// and through each remote's piggybacked view. A slot some remote reports
// disconnected that we still consider live gets disconnected here too, so
// every peer converges on the same frozen frame.
func (s *Session) pollPlayers() Frame {
	totalMin := Frame(1<<31 - 1)

	for queue := 0; queue < s.cfg.NumPlayers; queue++ {
		queueConnected := true
		queueMin := Frame(1<<31 - 1)

		for _, ep := range s.endpoints {
			if !ep.IsRunning() {
				continue
			}
			status := ep.PeerConnectStatus(queue)
			if status.Disconnected {
				queueConnected = false
			}
			if status.LastFrame < queueMin {
				queueMin = status.LastFrame
			}
		}

		local := s.localConnectStatus[queue]
		if !local.Disconnected && local.LastFrame < queueMin {
			queueMin = local.LastFrame
		}

		if !queueConnected && !local.Disconnected {
			if handle, slot, ok := s.slotForQueue(queue); ok {
				s.disconnectQueue(handle, slot, queueMin)
			}
		}
		if queueMin < totalMin {
			totalMin = queueMin
		}
	}

	if totalMin == 1<<31-1 {
		return NullFrame
	}
	return totalMin
}

func (s *Session) slotForQueue(queue int) (PlayerHandle, *playerSlot, bool) {
	for i := range s.players {
		slot := &s.players[i]
		if slot.kind != PlayerSpectator && slot.queue == queue {
			return PlayerHandle(i + 1), slot, true
		}
	}
	return 0, nil, false
}

// pushSpectators streams newly confirmed frames, all players' inputs
// merged into one payload, to every spectator.
func (s *Session) pushSpectators(confirmed Frame) {
	if len(s.spectators) == 0 {
		s.nextSpectatorFrame = confirmed + 1
		return
	}

	for ; s.nextSpectatorFrame <= confirmed; s.nextSpectatorFrame++ {
		inputs, _ := s.sync.GetConfirmedInputs(s.nextSpectatorFrame)

		merged := make([]byte, 0, s.cfg.NumPlayers*s.cfg.InputSize)
		for _, in := range inputs {
			merged = append(merged, in...)
		}

		for _, ep := range s.spectators {
			ep.SendInput(inputqueue.Input{Frame: s.nextSpectatorFrame, Bits: merged})
		}
	}
}

func (s *Session) recordPeerChecksum(handle PlayerHandle, frame Frame, remote uint64) {
	if local, ok := s.sync.ConfirmedChecksum(frame); ok {
		s.compareChecksums(handle, frame, local, remote)
		return
	}

	pending, ok := s.pendingChecksums[handle]
	if !ok {
		pending = make(map[Frame]uint64)
		s.pendingChecksums[handle] = pending
	}
	pending[frame] = remote
	for f := range pending {
		if f < frame-checksumHistoryWindow {
			delete(pending, f)
		}
	}
}

func (s *Session) sweepPeerChecksums(confirmed Frame) {
	for handle, pending := range s.pendingChecksums {
		for frame, remote := range pending {
			if local, ok := s.sync.ConfirmedChecksum(frame); ok {
				s.compareChecksums(handle, frame, local, remote)
				delete(pending, frame)
			} else if frame < confirmed-checksumHistoryWindow {
				delete(pending, frame)
			}
		}
	}
}

func (s *Session) compareChecksums(handle PlayerHandle, frame Frame, local, remote uint64) {
	if local == remote {
		return
	}
	s.logger.Error().
		Int("handle", int(handle)).
		Int64("frame", int64(frame)).
		Uint64("local", local).
		Uint64("remote", remote).
		Msg("desync detected")
	s.callbacks.OnEvent(Event{
		Type:           EventDesync,
		Player:         handle,
		Frame:          frame,
		LocalChecksum:  local,
		RemoteChecksum: remote,
	})
}
