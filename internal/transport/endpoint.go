package transport

import (
	"io"
	"math/rand"
	"time"

	"github.com/frameloop/netplay/internal/debug"
	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/frameloop/netplay/internal/protocol"
	"github.com/frameloop/netplay/internal/rollback"
	"github.com/frameloop/netplay/internal/timesync"
	"github.com/phuslu/log"
)

const (
	numSyncRoundtrips      = 5
	syncFirstRetryInterval = 500 * time.Millisecond
	syncRetryInterval      = 2 * time.Second

	// retransmit backoff for un-acked inputs
	runningRetryInterval = 200 * time.Millisecond
	maxRetryInterval     = 2 * time.Second

	keepAliveInterval     = 200 * time.Millisecond
	qualityReportInterval = time.Second
	networkStatsInterval  = time.Second

	reorderWindowSize = 8
	maxPendingOutput  = 128

	// messages above this marshaled size are fragmented
	maxPayloadSize = 1100
)

type State int

const (
	StateInitializing State = iota
	StateSynchronizing
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type EventType int

const (
	EventNone EventType = iota
	EventConnected
	EventSynchronizing
	EventSynchronized
	EventInput
	EventDisconnected
	EventNetworkInterrupted
	EventNetworkResumed
	EventPeerChecksum
)

// Event is what an endpoint reports upward to the session. One struct with
// a tag beats an interface here: the set is closed and most fields are
// shared.
type Event struct {
	Type EventType

	Input inputqueue.Input // EventInput

	Count, Total int // EventSynchronizing

	DisconnectTimeout time.Duration // EventNetworkInterrupted

	Frame    int32  // EventPeerChecksum
	Checksum uint64 // EventPeerChecksum
}

type NetworkStats struct {
	Ping               time.Duration
	SendQueueLen       int
	KbpsSent           int
	LocalFramesBehind  int
	RemoteFramesBehind int
}

type EndpointConfig struct {
	Conn     PacketConn
	PeerAddr string
	// Queue is the player slot this endpoint's remote drives.
	Queue      int
	NumPlayers int
	InputSize  int
	// LocalConnectStatus is shared with the session and piggybacked on
	// every input message.
	LocalConnectStatus []rollback.ConnectStatus

	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration

	Clock  func() time.Time
	Rand   *rand.Rand
	Logger *log.Logger
}

// Endpoint is the reliable-ordered protocol state machine bound to one
// remote peer. It is driven entirely by the session's poll loop: no
// internal goroutines, no blocking calls.
type Endpoint struct {
	conn       PacketConn
	peerAddr   string
	queue      int
	numPlayers int
	inputSize  int

	logger *log.Logger
	clock  func() time.Time
	rng    *rand.Rand

	state       State
	magic       uint16
	remoteMagic uint16
	nextSendSeq uint16

	reorder        *reorderWindow
	frags          *fragmentAssembler
	nextFragmentID uint16

	syncRandom              uint32
	syncRoundtripsRemaining int
	lastSyncRequestTime     time.Time

	pendingOutput     []inputqueue.Input
	lastReceivedInput inputqueue.Input
	lastAckedInput    inputqueue.Input

	localConnectStatus []rollback.ConnectStatus
	peerConnectStatus  []rollback.ConnectStatus

	lastSendTime          time.Time
	lastRecvTime          time.Time
	lastQualityReportTime time.Time
	retryInterval         time.Duration

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	disconnectNotifySent  bool
	disconnectEventSent   bool

	roundTripTime        time.Duration
	localFrameAdvantage  int
	remoteFrameAdvantage int
	timesync             *timesync.TimeSync

	localChecksumFrame int32
	localChecksum      uint64

	epoch          time.Time
	statsStartTime time.Time
	packetsSent    int
	bytesSent      int
	kbpsSent       int

	events []Event
}

func NewEndpoint(cfg EndpointConfig) *Endpoint {
	debug.Assert(cfg.Conn != nil)
	debug.Assert(cfg.NumPlayers > 0 && cfg.NumPlayers <= protocol.MaxPlayers)
	debug.Assert(cfg.InputSize > 0 && cfg.InputSize <= protocol.MaxInputSize)

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	logger := cfg.Logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	magic := uint16(rng.Uint32())
	for magic == 0 {
		magic = uint16(rng.Uint32())
	}

	now := clock()
	e := &Endpoint{
		conn:       cfg.Conn,
		peerAddr:   cfg.PeerAddr,
		queue:      cfg.Queue,
		numPlayers: cfg.NumPlayers,
		inputSize:  cfg.InputSize,

		logger: logger,
		clock:  clock,
		rng:    rng,

		state: StateInitializing,
		magic: magic,

		reorder: newReorderWindow(reorderWindowSize),
		frags:   newFragmentAssembler(clock),

		lastReceivedInput: inputqueue.Input{Frame: inputqueue.NullFrame, Bits: make([]byte, cfg.InputSize)},
		lastAckedInput:    inputqueue.Input{Frame: inputqueue.NullFrame, Bits: make([]byte, cfg.InputSize)},

		localConnectStatus: cfg.LocalConnectStatus,
		peerConnectStatus:  make([]rollback.ConnectStatus, cfg.NumPlayers),

		lastRecvTime:  now,
		lastSendTime:  now,
		retryInterval: runningRetryInterval,

		disconnectTimeout:     cfg.DisconnectTimeout,
		disconnectNotifyStart: cfg.DisconnectNotifyStart,

		timesync: timesync.New(),

		localChecksumFrame: inputqueue.NullFrame,

		epoch:          now,
		statsStartTime: now,
	}
	for i := range e.peerConnectStatus {
		e.peerConnectStatus[i].LastFrame = inputqueue.NullFrame
	}
	return e
}

func (e *Endpoint) PeerAddr() string { return e.peerAddr }
func (e *Endpoint) Queue() int       { return e.queue }
func (e *Endpoint) State() State     { return e.state }

func (e *Endpoint) IsRunning() bool { return e.state == StateRunning }

// LastReceivedFrame is the newest input frame decoded from the remote.
func (e *Endpoint) LastReceivedFrame() int32 { return e.lastReceivedInput.Frame }

func (e *Endpoint) SetDisconnectTimeout(d time.Duration)     { e.disconnectTimeout = d }
func (e *Endpoint) SetDisconnectNotifyStart(d time.Duration) { e.disconnectNotifyStart = d }

// PeerConnectStatus is the remote's view of a player slot, used when
// computing the globally confirmed frame.
func (e *Endpoint) PeerConnectStatus(queue int) rollback.ConnectStatus {
	return e.peerConnectStatus[queue]
}

// Synchronize starts the handshake.
func (e *Endpoint) Synchronize() {
	e.state = StateSynchronizing
	e.syncRoundtripsRemaining = numSyncRoundtrips
	e.sendSyncRequest()
}

// SendInput queues the local input for (re)transmission and flushes the
// pending bundle.
func (e *Endpoint) SendInput(input inputqueue.Input) {
	if e.state == StateRunning {
		e.timesync.AdvanceFrame(input, e.localFrameAdvantage, e.remoteFrameAdvantage)

		debug.Assertf(len(e.pendingOutput) < maxPendingOutput,
			"pending output overflow (%d frames queued)", len(e.pendingOutput))
		e.pendingOutput = append(e.pendingOutput, input)
	}
	e.sendPendingOutput()
}

func (e *Endpoint) sendPendingOutput() {
	body := &protocol.Input{
		AckFrame:            e.lastReceivedInput.Frame,
		DisconnectRequested: e.state == StateDisconnected,
		InputSize:           uint8(e.inputSize),
	}

	body.PeerConnectStatus = make([]protocol.ConnectStatus, len(e.localConnectStatus))
	for i, status := range e.localConnectStatus {
		body.PeerConnectStatus[i] = protocol.ConnectStatus{
			Disconnected: status.Disconnected,
			LastFrame:    status.LastFrame,
		}
	}

	if len(e.pendingOutput) > 0 {
		first := e.pendingOutput[0]
		debug.Assert(e.lastAckedInput.Frame == inputqueue.NullFrame ||
			e.lastAckedInput.Frame+1 == first.Frame)

		body.StartFrame = first.Frame
		body.Bits, body.NumBits = encodeInputDeltas(e.lastAckedInput.Bits, e.pendingOutput)
	}

	e.sendMsg(protocol.MsgInput, body)
}

// SendInputAck acknowledges everything received so far.
func (e *Endpoint) SendInputAck() {
	e.sendMsg(protocol.MsgInputAck, &protocol.InputAck{AckFrame: e.lastReceivedInput.Frame})
}

// Disconnect tells the peer we are leaving and makes the state terminal.
func (e *Endpoint) Disconnect() {
	if e.state == StateDisconnected {
		return
	}
	e.sendMsg(protocol.MsgDisconnect, nil)
	e.state = StateDisconnected
}

// SetLocalFrameNumber estimates our frame advantage over the remote: where
// the remote should be by now (its last input plus half a round trip) vs
// where we are.
func (e *Endpoint) SetLocalFrameNumber(localFrame int32) {
	remoteFrame := e.lastReceivedInput.Frame + int32(e.roundTripTime.Milliseconds()*60/1000/2)
	e.localFrameAdvantage = int(remoteFrame - localFrame)
}

// RecommendFrameDelay asks timesync how long to idle to let a lagging
// remote catch up.
func (e *Endpoint) RecommendFrameDelay() int {
	return e.timesync.RecommendFrameWaitDuration(true)
}

// SetLocalChecksum stages the newest confirmed frame checksum to ride on
// the next quality report.
func (e *Endpoint) SetLocalChecksum(frame int32, checksum uint64) {
	e.localChecksumFrame = frame
	e.localChecksum = checksum
}

func (e *Endpoint) NetworkStats() NetworkStats {
	return NetworkStats{
		Ping:               e.roundTripTime,
		SendQueueLen:       len(e.pendingOutput),
		KbpsSent:           e.kbpsSent,
		LocalFramesBehind:  e.localFrameAdvantage,
		RemoteFramesBehind: e.remoteFrameAdvantage,
	}
}

// PollEvents drains the queued events.
func (e *Endpoint) PollEvents() []Event {
	events := e.events
	e.events = nil
	return events
}

func (e *Endpoint) queueEvent(ev Event) {
	e.events = append(e.events, ev)
}

// Poll runs the endpoint's timers: handshake retries, input retransmits,
// quality probes, keep-alives and the disconnect watchdog. Call at least
// once per simulation tick.
func (e *Endpoint) Poll() {
	now := e.clock()

	switch e.state {
	case StateSynchronizing:
		interval := syncRetryInterval
		if e.syncRoundtripsRemaining == numSyncRoundtrips {
			interval = syncFirstRetryInterval
		}
		if now.Sub(e.lastSyncRequestTime) >= interval {
			e.logger.Debug().
				Str("peer", e.peerAddr).
				Msg("no luck syncing after 500ms... resending")
			e.sendSyncRequest()
		}

	case StateRunning:
		if len(e.pendingOutput) > 0 && now.Sub(e.lastSendTime) >= e.retryInterval {
			e.sendPendingOutput()
			// back off until an ack moves the window
			e.retryInterval *= 2
			if e.retryInterval > maxRetryInterval {
				e.retryInterval = maxRetryInterval
			}
		}

		if now.Sub(e.lastQualityReportTime) >= qualityReportInterval {
			e.lastQualityReportTime = now
			e.sendMsg(protocol.MsgQualityReport, &protocol.QualityReport{
				FrameAdvantage: int32(e.localFrameAdvantage),
				Frame:          e.localChecksumFrame,
				Checksum:       e.localChecksum,
				Ping:           e.clockMillis(now),
			})
		}

		e.updateNetworkStats(now)

		if now.Sub(e.lastSendTime) >= keepAliveInterval {
			e.sendMsg(protocol.MsgKeepAlive, nil)
		}

		if e.disconnectTimeout > 0 && e.disconnectNotifyStart > 0 &&
			!e.disconnectNotifySent && now.Sub(e.lastRecvTime) >= e.disconnectNotifyStart {
			e.queueEvent(Event{
				Type:              EventNetworkInterrupted,
				DisconnectTimeout: e.disconnectTimeout - e.disconnectNotifyStart,
			})
			e.disconnectNotifySent = true
		}

		if e.disconnectTimeout > 0 && !e.disconnectEventSent &&
			now.Sub(e.lastRecvTime) >= e.disconnectTimeout {
			e.logger.Info().
				Str("peer", e.peerAddr).
				Msgf("no traffic for %v: disconnecting", e.disconnectTimeout)
			e.queueEvent(Event{Type: EventDisconnected})
			e.disconnectEventSent = true
			e.state = StateDisconnected
		}
	}
}

// HandlePacket processes one raw datagram addressed to this endpoint.
// Malformed data is dropped without error.
func (e *Endpoint) HandlePacket(data []byte) {
	msg := &protocol.Msg{}
	if err := msg.UnmarshalBinary(data); err != nil {
		e.logger.Debug().
			Str("peer", e.peerAddr).
			Msgf("dropping unparseable packet: %v", err)
		return
	}

	if !e.acceptMagic(msg.Header) {
		e.logger.Debug().
			Str("peer", e.peerAddr).
			Msgf("dropping packet with bad magic %x (want %x)", msg.Header.Magic, e.remoteMagic)
		return
	}

	for _, m := range e.reorder.Feed(msg) {
		e.dispatch(m)
	}
}

// acceptMagic filters messages from prior sessions. Handshake messages
// pass: the remote magic isn't latched until the handshake completes.
func (e *Endpoint) acceptMagic(hdr *protocol.Header) bool {
	if e.remoteMagic == 0 {
		return true
	}
	if hdr.Type == protocol.MsgSyncRequest || hdr.Type == protocol.MsgSyncReply {
		return true
	}
	return hdr.Magic == e.remoteMagic
}

func (e *Endpoint) dispatch(msg *protocol.Msg) {
	e.lastRecvTime = e.clock()

	if e.disconnectNotifySent && e.state == StateRunning {
		e.queueEvent(Event{Type: EventNetworkResumed})
		e.disconnectNotifySent = false
	}

	switch msg.Header.Type {
	case protocol.MsgSyncRequest:
		e.onSyncRequest(msg)
	case protocol.MsgSyncReply:
		e.onSyncReply(msg)
	case protocol.MsgInput:
		e.onInput(msg)
	case protocol.MsgInputAck:
		e.onInputAck(msg)
	case protocol.MsgQualityReport:
		e.onQualityReport(msg)
	case protocol.MsgQualityReply:
		e.onQualityReply(msg)
	case protocol.MsgKeepAlive:
		// nothing to do; lastRecvTime is already updated
	case protocol.MsgDisconnect:
		e.onDisconnect()
	case protocol.MsgFragment:
		e.onFragment(msg)
	}
}

func (e *Endpoint) sendSyncRequest() {
	e.syncRandom = e.rng.Uint32()
	e.lastSyncRequestTime = e.clock()
	e.sendMsg(protocol.MsgSyncRequest, &protocol.SyncRequest{Random: e.syncRandom})
}

func (e *Endpoint) onSyncRequest(msg *protocol.Msg) {
	req := msg.Body.(*protocol.SyncRequest)
	e.sendMsg(protocol.MsgSyncReply, &protocol.SyncReply{Random: req.Random})
}

func (e *Endpoint) onSyncReply(msg *protocol.Msg) {
	if e.state != StateSynchronizing {
		return
	}

	reply := msg.Body.(*protocol.SyncReply)
	if reply.Random != e.syncRandom {
		e.logger.Debug().
			Str("peer", e.peerAddr).
			Msg("sync reply with stale nonce; ignoring")
		return
	}

	if e.syncRoundtripsRemaining == numSyncRoundtrips {
		e.queueEvent(Event{Type: EventConnected})
	}

	e.syncRoundtripsRemaining--
	if e.syncRoundtripsRemaining <= 0 {
		e.remoteMagic = msg.Header.Magic
		e.state = StateRunning
		e.queueEvent(Event{Type: EventSynchronized})
		e.logger.Info().
			Str("peer", e.peerAddr).
			Msg("synchronized")
		return
	}

	e.queueEvent(Event{
		Type:  EventSynchronizing,
		Count: numSyncRoundtrips - e.syncRoundtripsRemaining,
		Total: numSyncRoundtrips,
	})
	e.sendSyncRequest()
}

func (e *Endpoint) onInput(msg *protocol.Msg) {
	body := msg.Body.(*protocol.Input)

	if body.DisconnectRequested {
		if e.state != StateDisconnected && !e.disconnectEventSent {
			e.queueEvent(Event{Type: EventDisconnected})
			e.disconnectEventSent = true
		}
	} else {
		for i := 0; i < len(body.PeerConnectStatus) && i < len(e.peerConnectStatus); i++ {
			remote := body.PeerConnectStatus[i]
			local := &e.peerConnectStatus[i]
			// a disconnect rewinds the sender's reported frame to the
			// frozen one, so the merge keeps the max
			local.Disconnected = local.Disconnected || remote.Disconnected
			if remote.LastFrame > local.LastFrame {
				local.LastFrame = remote.LastFrame
			}
		}
	}

	if body.NumBits > 0 && int(body.InputSize) == e.inputSize {
		lastReceived := e.lastReceivedInput.Frame
		if lastReceived == inputqueue.NullFrame {
			// first bundle; frame delay makes the stream start past 0
			lastReceived = body.StartFrame - 1
		}
		if body.StartFrame > lastReceived+1 {
			// a gap we cannot decode across; retransmits will close it
			e.logger.Debug().
				Str("peer", e.peerAddr).
				Msgf("input gap: start frame %d, last received %d", body.StartFrame, lastReceived)
		} else {
			last, err := decodeInputDeltas(
				body.Bits, body.NumBits, e.inputSize,
				e.lastReceivedInput.Bits,
				body.StartFrame, lastReceived,
				func(frame int32, payload []byte) {
					e.queueEvent(Event{
						Type: EventInput,
						Input: inputqueue.Input{
							Frame: frame,
							Bits:  append([]byte(nil), payload...),
						},
					})
				},
			)
			if err != nil {
				e.logger.Debug().
					Str("peer", e.peerAddr).
					Msgf("dropping input with malformed bits: %v", err)
			}
			// commit only what decoded cleanly: a bundle that broke
			// before delivering anything must not move the frame counter
			if err == nil || last > lastReceived {
				e.lastReceivedInput.Frame = last
			}
			if last > lastReceived {
				e.SendInputAck()
			}
		}
	}

	e.popAcked(body.AckFrame)
}

func (e *Endpoint) onInputAck(msg *protocol.Msg) {
	e.popAcked(msg.Body.(*protocol.InputAck).AckFrame)
}

func (e *Endpoint) popAcked(ackFrame int32) {
	advanced := false
	for len(e.pendingOutput) > 0 && e.pendingOutput[0].Frame < ackFrame {
		e.lastAckedInput = e.pendingOutput[0]
		e.pendingOutput = e.pendingOutput[1:]
		advanced = true
	}
	if advanced {
		e.retryInterval = runningRetryInterval
	}
}

func (e *Endpoint) onQualityReport(msg *protocol.Msg) {
	report := msg.Body.(*protocol.QualityReport)
	e.remoteFrameAdvantage = int(report.FrameAdvantage)
	if report.Frame != inputqueue.NullFrame {
		e.queueEvent(Event{
			Type:     EventPeerChecksum,
			Frame:    report.Frame,
			Checksum: report.Checksum,
		})
	}
	e.sendMsg(protocol.MsgQualityReply, &protocol.QualityReply{Pong: report.Ping})
}

func (e *Endpoint) onQualityReply(msg *protocol.Msg) {
	reply := msg.Body.(*protocol.QualityReply)
	elapsed := e.clockMillis(e.clock()) - reply.Pong
	e.roundTripTime = time.Duration(elapsed) * time.Millisecond
}

func (e *Endpoint) onDisconnect() {
	if !e.disconnectEventSent {
		e.queueEvent(Event{Type: EventDisconnected})
		e.disconnectEventSent = true
	}
	e.state = StateDisconnected
}

func (e *Endpoint) onFragment(msg *protocol.Msg) {
	frag := msg.Body.(*protocol.Fragment)
	data, complete := e.frags.Feed(frag)
	if !complete {
		return
	}

	inner := &protocol.Msg{}
	if err := inner.UnmarshalBinary(data); err != nil {
		e.logger.Debug().
			Str("peer", e.peerAddr).
			Msgf("dropping unparseable reassembled message: %v", err)
		return
	}
	if !e.acceptMagic(inner.Header) {
		return
	}
	// fragments already passed the ordering gate; dispatch directly
	e.dispatch(inner)
}

func (e *Endpoint) sendMsg(typ uint8, body protocol.Body) {
	msg := &protocol.Msg{
		Header: &protocol.Header{
			Magic:    e.magic,
			Sequence: e.nextSendSeq,
			Type:     typ,
		},
		Body: body,
	}

	data, err := msg.MarshalBinary()
	debug.Assert(err == nil)

	if len(data) <= maxPayloadSize {
		e.nextSendSeq++
		e.transmit(data)
		return
	}

	// oversized: re-marshal with a neutral sequence (ordering rides on
	// the fragments) and split
	msg.Header.Sequence = 0
	data, err = msg.MarshalBinary()
	debug.Assert(err == nil)

	e.nextFragmentID++
	id := e.nextFragmentID
	chunkSize := maxPayloadSize - 64
	count := (len(data) + chunkSize - 1) / chunkSize
	debug.Assertf(count <= 255, "message of %d bytes needs %d fragments", len(data), count)

	for i := 0; i < count; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		fragMsg := &protocol.Msg{
			Header: &protocol.Header{
				Magic:    e.magic,
				Sequence: e.nextSendSeq,
				Type:     protocol.MsgFragment,
			},
			Body: &protocol.Fragment{
				ID:    id,
				Index: uint8(i),
				Count: uint8(count),
				Chunk: data[lo:hi],
			},
		}
		e.nextSendSeq++

		fragData, err := fragMsg.MarshalBinary()
		debug.Assert(err == nil)
		e.transmit(fragData)
	}
}

func (e *Endpoint) transmit(data []byte) {
	debug.Assertf(len(data) <= protocol.MsgMaxSize, "oversized datagram: %d bytes", len(data))

	e.lastSendTime = e.clock()
	e.packetsSent++
	e.bytesSent += len(data)

	if err := e.conn.WriteTo(data, e.peerAddr); err != nil {
		e.logger.Error().
			Str("peer", e.peerAddr).
			Msgf("could not send: %v", err)
	}
}

func (e *Endpoint) updateNetworkStats(now time.Time) {
	elapsed := now.Sub(e.statsStartTime)
	if elapsed < networkStatsInterval {
		return
	}
	e.kbpsSent = int(float64(e.bytesSent) / 1024 / elapsed.Seconds() * 8)
	e.statsStartTime = now
	e.bytesSent = 0
	e.packetsSent = 0
}

func (e *Endpoint) clockMillis(now time.Time) uint32 {
	return uint32(now.Sub(e.epoch).Milliseconds())
}
