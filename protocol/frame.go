package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage marks any datagram or payload that cannot be parsed.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrUnknownChannel marks a frame whose channel id is not in the schema.
	ErrUnknownChannel = fmt.Errorf("%w: unknown channel", ErrMalformedMessage)
)

const (
	channelHeaderSize  = 2
	sequenceHeaderSize = 4
)

// Frame is one datagram: a channel id, an optional sequence number and the
// payload. Layout (big endian):
//
//	[channel_id u16][sequence u32, only on sequenced channels][payload]
type Frame struct {
	Channel  ChannelID
	Sequence uint32
	Payload  []byte
}

// EncodeFrame serializes f according to its channel's policy.
//
// Returns:
//   - The datagram bytes
//   - ErrUnknownChannel if f.Channel is not registered
func (s *Schema) EncodeFrame(f Frame) ([]byte, error) {
	spec, ok := s.channels[f.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, f.Channel)
	}

	size := channelHeaderSize + len(f.Payload)
	if spec.Policy.Sequenced() {
		size += sequenceHeaderSize
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Channel))
	off := channelHeaderSize
	if spec.Policy.Sequenced() {
		binary.BigEndian.PutUint32(buf[off:off+sequenceHeaderSize], f.Sequence)
		off += sequenceHeaderSize
	}
	copy(buf[off:], f.Payload)

	return buf, nil
}

// DecodeFrame parses a datagram. The returned payload aliases b.
//
// Returns:
//   - The frame and its channel spec
//   - An error wrapping ErrMalformedMessage (or ErrUnknownChannel)
func (s *Schema) DecodeFrame(b []byte) (Frame, ChannelSpec, error) {
	if len(b) < channelHeaderSize {
		return Frame{}, ChannelSpec{}, fmt.Errorf("%w: %d byte datagram", ErrMalformedMessage, len(b))
	}

	id := ChannelID(binary.BigEndian.Uint16(b[0:2]))
	spec, ok := s.channels[id]
	if !ok {
		return Frame{}, ChannelSpec{}, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}

	f := Frame{Channel: id}
	off := channelHeaderSize
	if spec.Policy.Sequenced() {
		if len(b) < off+sequenceHeaderSize {
			return Frame{}, ChannelSpec{}, fmt.Errorf("%w: truncated sequence on channel %d", ErrMalformedMessage, id)
		}
		f.Sequence = binary.BigEndian.Uint32(b[off : off+sequenceHeaderSize])
		off += sequenceHeaderSize
	}
	f.Payload = b[off:]

	return f, spec, nil
}
