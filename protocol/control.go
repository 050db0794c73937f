package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControlKind tags a message on the control channel.
type ControlKind uint8

const (
	ControlConnectRequest ControlKind = iota + 1
	ControlConnectResponse
	ControlDisconnect
)

// RejectReason explains a refused handshake.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectProtocolMismatch
	RejectServerFull
	RejectDuplicateClient
	RejectUnauthorized
)

// String returns the reason name.
func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectProtocolMismatch:
		return "protocol_mismatch"
	case RejectServerFull:
		return "server_full"
	case RejectDuplicateClient:
		return "duplicate_client"
	case RejectUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("reject(%d)", uint8(r))
	}
}

// DisconnectCode explains an explicit disconnect.
type DisconnectCode uint8

const (
	DisconnectRequested DisconnectCode = iota
	DisconnectShutdown
	DisconnectKicked
)

// ControlMessage is a message on the control channel.
type ControlMessage interface {
	ControlKind() ControlKind
	encode() []byte
}

// ConnectRequest opens a session. ClientID is self-asserted by the client.
type ConnectRequest struct {
	ClientID   uint64
	ProtocolID uint32
}

// ControlKind implements ControlMessage.
func (ConnectRequest) ControlKind() ControlKind { return ControlConnectRequest }

func (m ConnectRequest) encode() []byte {
	b := make([]byte, 13)
	b[0] = byte(ControlConnectRequest)
	binary.BigEndian.PutUint64(b[1:9], m.ClientID)
	binary.BigEndian.PutUint32(b[9:13], m.ProtocolID)
	return b
}

// ConnectResponse answers a ConnectRequest.
type ConnectResponse struct {
	Accepted  bool
	SessionID uint64
	Reason    RejectReason
}

// ControlKind implements ControlMessage.
func (ConnectResponse) ControlKind() ControlKind { return ControlConnectResponse }

func (m ConnectResponse) encode() []byte {
	b := make([]byte, 11)
	b[0] = byte(ControlConnectResponse)
	if m.Accepted {
		b[1] = 1
	}
	binary.BigEndian.PutUint64(b[2:10], m.SessionID)
	b[10] = byte(m.Reason)
	return b
}

// Disconnect ends a session from either side.
type Disconnect struct {
	Code DisconnectCode
}

// ControlKind implements ControlMessage.
func (Disconnect) ControlKind() ControlKind { return ControlDisconnect }

func (m Disconnect) encode() []byte {
	return []byte{byte(ControlDisconnect), byte(m.Code)}
}

// EncodeControl serializes a control message payload.
func EncodeControl(m ControlMessage) []byte {
	return m.encode()
}

// DecodeControl parses a control channel payload.
//
// Returns:
//   - One of ConnectRequest, ConnectResponse or Disconnect
//   - An error wrapping ErrMalformedMessage
func DecodeControl(b []byte) (ControlMessage, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty control payload", ErrMalformedMessage)
	}

	switch ControlKind(b[0]) {
	case ControlConnectRequest:
		if len(b) != 13 {
			return nil, fmt.Errorf("%w: connect request is %d bytes", ErrMalformedMessage, len(b))
		}
		return ConnectRequest{
			ClientID:   binary.BigEndian.Uint64(b[1:9]),
			ProtocolID: binary.BigEndian.Uint32(b[9:13]),
		}, nil
	case ControlConnectResponse:
		if len(b) != 11 || b[1] > 1 {
			return nil, fmt.Errorf("%w: bad connect response", ErrMalformedMessage)
		}
		return ConnectResponse{
			Accepted:  b[1] == 1,
			SessionID: binary.BigEndian.Uint64(b[2:10]),
			Reason:    RejectReason(b[10]),
		}, nil
	case ControlDisconnect:
		if len(b) != 2 {
			return nil, fmt.Errorf("%w: disconnect is %d bytes", ErrMalformedMessage, len(b))
		}
		return Disconnect{Code: DisconnectCode(b[1])}, nil
	default:
		return nil, fmt.Errorf("%w: control kind %d", ErrMalformedMessage, b[0])
	}
}

// Ack acknowledges one reliable frame.
type Ack struct {
	Channel  ChannelID
	Sequence uint32
}

const ackRecordSize = 6

// EncodeAcks packs ack records into an ack channel payload. An empty
// payload is a heartbeat.
func EncodeAcks(acks []Ack) []byte {
	b := make([]byte, len(acks)*ackRecordSize)
	for i, a := range acks {
		off := i * ackRecordSize
		binary.BigEndian.PutUint16(b[off:off+2], uint16(a.Channel))
		binary.BigEndian.PutUint32(b[off+2:off+6], a.Sequence)
	}
	return b
}

// DecodeAcks unpacks an ack channel payload.
func DecodeAcks(b []byte) ([]Ack, error) {
	if len(b)%ackRecordSize != 0 {
		return nil, fmt.Errorf("%w: ack payload of %d bytes", ErrMalformedMessage, len(b))
	}

	acks := make([]Ack, 0, len(b)/ackRecordSize)
	for off := 0; off < len(b); off += ackRecordSize {
		acks = append(acks, Ack{
			Channel:  ChannelID(binary.BigEndian.Uint16(b[off : off+2])),
			Sequence: binary.BigEndian.Uint32(b[off+2 : off+6]),
		})
	}

	return acks, nil
}

// MaxAcksPerFrame bounds ack records per datagram so an ack frame always
// fits in one datagram.
const MaxAcksPerFrame = 200
