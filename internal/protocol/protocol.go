package protocol

import (
	"errors"
	"fmt"

	"github.com/frameloop/netplay/internal/byteorder"
	"github.com/frameloop/netplay/internal/debug"
	"github.com/frameloop/netplay/internal/zigzag"
)

const (
	// MsgHeaderSize is magic (2) + sequence (2) + type (1).
	MsgHeaderSize = 5
	// MsgMaxSize bounds a single datagram on the wire. Marshaled messages
	// may be larger: the transport splits them into MsgFragment messages,
	// each of which stays under this bound.
	MsgMaxSize = 4 << 10

	// MaxPlayers bounds the per-peer connect status array carried in
	// input messages.
	MaxPlayers = 8
	// MaxInputSize bounds a single player's per-frame input payload, in
	// bytes. The delta codec addresses bits with 16 bit indices, which
	// allows for far more, but inputs are expected to be small.
	MaxInputSize = 64
)

const (
	_ uint8 = iota
	MsgSyncRequest
	MsgSyncReply
	MsgInput
	MsgInputAck
	MsgQualityReport
	MsgQualityReply
	MsgKeepAlive
	MsgDisconnect
	MsgFragment

	msgTypeMax
)

var ErrMalformed = errors.New("malformed message")

// Header precedes every datagram. Magic identifies the sending side of the
// session (latched during the handshake); Sequence is a per-connection
// monotonic counter used for ordered delivery.
type Header struct {
	Magic    uint16
	Sequence uint16
	Type     uint8
}

func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, MsgHeaderSize)
	buf = byteorder.AppendUint16(buf, h.Magic)
	buf = byteorder.AppendUint16(buf, h.Sequence)
	buf = append(buf, h.Type)

	debug.Assert(len(buf) == MsgHeaderSize)
	return buf, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < MsgHeaderSize {
		return fmt.Errorf("%w: header got %d bytes, want %d", ErrMalformed, len(data), MsgHeaderSize)
	}

	h.Magic = byteorder.Ntohs(data[0:2])
	h.Sequence = byteorder.Ntohs(data[2:4])
	h.Type = data[4]

	if h.Type == 0 || h.Type >= msgTypeMax {
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, h.Type)
	}
	return nil
}

// Body is the payload of a Msg. Marshaling may assert (a malformed outbound
// message is a bug here); unmarshaling must return ErrMalformed instead,
// since the bytes come off the network.
type Body interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

type Msg struct {
	Header *Header
	Body   Body
}

func (m *Msg) MarshalBinary() ([]byte, error) {
	headerBytes, err := m.Header.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal header: %w", err)
	}

	if m.Body == nil {
		return headerBytes, nil
	}

	bodyBytes, err := m.Body.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal body: %w", err)
	}

	return append(headerBytes, bodyBytes...), nil
}

func (m *Msg) UnmarshalBinary(data []byte) error {
	header := &Header{}
	if err := header.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("could not unmarshal header: %w", err)
	}
	m.Header = header

	bodyBytes := data[MsgHeaderSize:]
	switch header.Type {
	case MsgSyncRequest:
		m.Body = &SyncRequest{}
	case MsgSyncReply:
		m.Body = &SyncReply{}
	case MsgInput:
		m.Body = &Input{}
	case MsgInputAck:
		m.Body = &InputAck{}
	case MsgQualityReport:
		m.Body = &QualityReport{}
	case MsgQualityReply:
		m.Body = &QualityReply{}
	case MsgFragment:
		m.Body = &Fragment{}
	case MsgKeepAlive, MsgDisconnect:
		// no body
		m.Body = nil
		return nil
	}

	if err := m.Body.UnmarshalBinary(bodyBytes); err != nil {
		return fmt.Errorf("could not unmarshal body (type %d): %w", header.Type, err)
	}
	return nil
}

// SyncRequest opens (or continues) the handshake. Random is a nonce the
// peer must echo; replies carrying a stale nonce from a prior session are
// rejected.
type SyncRequest struct {
	Random uint32
}

func (b *SyncRequest) MarshalBinary() ([]byte, error) {
	return byteorder.Htonl(b.Random), nil
}

func (b *SyncRequest) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: sync request got %d bytes", ErrMalformed, len(data))
	}
	b.Random = byteorder.Ntohl(data)
	return nil
}

type SyncReply struct {
	Random uint32
}

func (b *SyncReply) MarshalBinary() ([]byte, error) {
	return byteorder.Htonl(b.Random), nil
}

func (b *SyncReply) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: sync reply got %d bytes", ErrMalformed, len(data))
	}
	b.Random = byteorder.Ntohl(data)
	return nil
}

// ConnectStatus is the sender's view of one player slot: the last frame it
// has confirmed input for and whether the slot is disconnected.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int32
}

const connectStatusSize = 5

// Input carries a bundle of not-yet-acknowledged input frames, bit-delta
// encoded against the frame preceding StartFrame. It doubles as the ack
// vehicle for the reverse direction via AckFrame.
type Input struct {
	PeerConnectStatus   []ConnectStatus
	StartFrame          int32
	DisconnectRequested bool
	AckFrame            int32
	InputSize           uint8
	NumBits             uint32
	Bits                []byte
}

func (b *Input) MarshalBinary() ([]byte, error) {
	debug.Assert(len(b.PeerConnectStatus) <= MaxPlayers)
	debug.Assert(len(b.Bits) >= (int(b.NumBits)+7)/8)

	buf := make([]byte, 0, 16+connectStatusSize*len(b.PeerConnectStatus)+len(b.Bits))

	buf = append(buf, uint8(len(b.PeerConnectStatus)))
	for _, status := range b.PeerConnectStatus {
		buf = append(buf, boolByte(status.Disconnected))
		buf = byteorder.AppendUint32(buf, zigzag.Encode32(status.LastFrame))
	}

	buf = byteorder.AppendUint32(buf, zigzag.Encode32(b.StartFrame))
	buf = append(buf, boolByte(b.DisconnectRequested))
	buf = byteorder.AppendUint32(buf, zigzag.Encode32(b.AckFrame))
	buf = append(buf, b.InputSize)
	buf = byteorder.AppendUint32(buf, b.NumBits)
	buf = append(buf, b.Bits[:(int(b.NumBits)+7)/8]...)

	return buf, nil
}

func (b *Input) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("%w: empty input body", ErrMalformed)
	}
	numPeers := int(data[0])
	if numPeers > MaxPlayers {
		return fmt.Errorf("%w: %d peer statuses", ErrMalformed, numPeers)
	}
	fixed := 1 + numPeers*connectStatusSize + 4 + 1 + 4 + 1 + 4
	if len(data) < fixed {
		return fmt.Errorf("%w: input body got %d bytes, want >= %d", ErrMalformed, len(data), fixed)
	}

	off := 1
	b.PeerConnectStatus = make([]ConnectStatus, numPeers)
	for i := range b.PeerConnectStatus {
		b.PeerConnectStatus[i].Disconnected = data[off] != 0
		b.PeerConnectStatus[i].LastFrame = zigzag.Decode32(byteorder.Ntohl(data[off+1 : off+5]))
		off += connectStatusSize
	}

	b.StartFrame = zigzag.Decode32(byteorder.Ntohl(data[off : off+4]))
	off += 4
	b.DisconnectRequested = data[off] != 0
	off++
	b.AckFrame = zigzag.Decode32(byteorder.Ntohl(data[off : off+4]))
	off += 4
	b.InputSize = data[off]
	off++
	b.NumBits = byteorder.Ntohl(data[off : off+4])
	off += 4

	numBytes := (int(b.NumBits) + 7) / 8
	if len(data) < off+numBytes {
		return fmt.Errorf("%w: input bits truncated (%d bits, %d bytes left)", ErrMalformed, b.NumBits, len(data)-off)
	}
	b.Bits = append([]byte(nil), data[off:off+numBytes]...)

	return nil
}

type InputAck struct {
	AckFrame int32
}

func (b *InputAck) MarshalBinary() ([]byte, error) {
	return byteorder.Htonl(zigzag.Encode32(b.AckFrame)), nil
}

func (b *InputAck) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: input ack got %d bytes", ErrMalformed, len(data))
	}
	b.AckFrame = zigzag.Decode32(byteorder.Ntohl(data))
	return nil
}

// QualityReport is the periodic probe: FrameAdvantage feeds pacing,
// Ping comes back in a QualityReply for RTT measurement, and the
// Frame/Checksum pair lets the peer cross-check a confirmed frame for
// desync detection.
type QualityReport struct {
	FrameAdvantage int32
	Frame          int32
	Checksum       uint64
	Ping           uint32
}

func (b *QualityReport) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 20)
	buf = byteorder.AppendUint32(buf, zigzag.Encode32(b.FrameAdvantage))
	buf = byteorder.AppendUint32(buf, zigzag.Encode32(b.Frame))
	buf = byteorder.AppendUint64(buf, b.Checksum)
	buf = byteorder.AppendUint32(buf, b.Ping)
	return buf, nil
}

func (b *QualityReport) UnmarshalBinary(data []byte) error {
	if len(data) < 20 {
		return fmt.Errorf("%w: quality report got %d bytes", ErrMalformed, len(data))
	}
	b.FrameAdvantage = zigzag.Decode32(byteorder.Ntohl(data[0:4]))
	b.Frame = zigzag.Decode32(byteorder.Ntohl(data[4:8]))
	b.Checksum = byteorder.Ntohll(data[8:16])
	b.Ping = byteorder.Ntohl(data[16:20])
	return nil
}

type QualityReply struct {
	Pong uint32
}

func (b *QualityReply) MarshalBinary() ([]byte, error) {
	return byteorder.Htonl(b.Pong), nil
}

func (b *QualityReply) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: quality reply got %d bytes", ErrMalformed, len(data))
	}
	b.Pong = byteorder.Ntohl(data)
	return nil
}

// Fragment wraps a slice of an oversized marshaled message. All fragments
// of one message share an ID; the receiver reassembles once Count chunks
// arrived and feeds the inner bytes back through normal dispatch.
type Fragment struct {
	ID    uint16
	Index uint8
	Count uint8
	Chunk []byte
}

func (b *Fragment) MarshalBinary() ([]byte, error) {
	debug.Assert(b.Index < b.Count)

	buf := make([]byte, 0, 4+len(b.Chunk))
	buf = byteorder.AppendUint16(buf, b.ID)
	buf = append(buf, b.Index, b.Count)
	buf = append(buf, b.Chunk...)
	return buf, nil
}

func (b *Fragment) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: fragment got %d bytes", ErrMalformed, len(data))
	}
	b.ID = byteorder.Ntohs(data[0:2])
	b.Index = data[2]
	b.Count = data[3]
	if b.Count == 0 || b.Index >= b.Count {
		return fmt.Errorf("%w: fragment %d/%d", ErrMalformed, b.Index, b.Count)
	}
	b.Chunk = append([]byte(nil), data[4:]...)
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
