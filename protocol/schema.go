// Package protocol defines the wire contract shared by client and server:
// the channel policy table (Schema), datagram framing, and the control, ack
// and replication messages carried on the reserved channels.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ChannelID identifies a logical channel inside a datagram.
type ChannelID uint16

// Reserved channels present in every schema.
const (
	ControlChannel     ChannelID = 0
	AckChannel         ChannelID = 1
	ReplicationChannel ChannelID = 2

	// FarewellChannel carries the last control message of a closing peer.
	// It is unsequenced so the receiver never mistakes it for a duplicate.
	FarewellChannel ChannelID = 3

	// FirstEventChannel is the id given to the first registered event type.
	FirstEventChannel ChannelID = 16
)

// Ordering is a channel's delivery-order policy.
type Ordering uint8

const (
	Unordered Ordering = iota
	Ordered
)

// String returns the policy name.
func (o Ordering) String() string {
	if o == Ordered {
		return "ordered"
	}
	return "unordered"
}

// Reliability is a channel's loss policy.
type Reliability uint8

const (
	Unreliable Reliability = iota
	Reliable
)

// String returns the policy name.
func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// Direction says which peer may send on a channel.
type Direction uint8

const (
	Bidirectional Direction = iota
	ClientToServer
	ServerToClient
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return "bidirectional"
	}
}

// Policy combines ordering and reliability.
type Policy struct {
	Ordering    Ordering
	Reliability Reliability
}

// Common policies.
var (
	ReliableOrdered     = Policy{Ordering: Ordered, Reliability: Reliable}
	ReliableUnordered   = Policy{Ordering: Unordered, Reliability: Reliable}
	UnreliableOrdered   = Policy{Ordering: Ordered, Reliability: Unreliable}
	UnreliableUnordered = Policy{Ordering: Unordered, Reliability: Unreliable}
)

// Sequenced reports whether frames on the channel carry a sequence number.
// Ordered channels need it for ordering and reliable ones for acks.
func (p Policy) Sequenced() bool {
	return p.Ordering == Ordered || p.Reliability == Reliable
}

// String returns e.g. "reliable-ordered".
func (p Policy) String() string {
	return p.Reliability.String() + "-" + p.Ordering.String()
}

// EventKind identifies an application event type.
type EventKind uint16

// ComponentKind identifies a replicated component type.
type ComponentKind uint16

// ChannelSpec is one row of the schema.
type ChannelSpec struct {
	ID        ChannelID
	Name      string
	Policy    Policy
	Direction Direction
	Event     EventKind
}

var (
	// ErrDuplicateRegistration is returned when a kind or name is registered twice.
	ErrDuplicateRegistration = errors.New("protocol: duplicate registration")

	// ErrChannelSpaceExhausted is returned when no channel ids remain.
	ErrChannelSpaceExhausted = errors.New("protocol: channel id space exhausted")
)

// Schema is the fixed, versioned table of message types and channel
// policies both peers are built with. Registration happens once at startup;
// after that the schema is read-only and safe for concurrent use.
type Schema struct {
	baseID     uint32
	channels   map[ChannelID]ChannelSpec
	events     map[EventKind]ChannelID
	components map[ComponentKind]string
	next       ChannelID
}

// NewSchema creates a schema with the reserved control, ack, replication
// and farewell channels. replication is the policy of the replication
// channel (normally ReliableOrdered).
//
// Parameters:
//   - baseProtocolID: Application protocol id mixed into ProtocolID
//   - replication: Policy of the replication channel
//
// Returns:
//   - A schema ready for event and component registration
func NewSchema(baseProtocolID uint32, replication Policy) *Schema {
	s := &Schema{
		baseID:     baseProtocolID,
		channels:   make(map[ChannelID]ChannelSpec),
		events:     make(map[EventKind]ChannelID),
		components: make(map[ComponentKind]string),
		next:       FirstEventChannel,
	}

	s.channels[ControlChannel] = ChannelSpec{ID: ControlChannel, Name: "control", Policy: ReliableOrdered}
	s.channels[AckChannel] = ChannelSpec{ID: AckChannel, Name: "ack", Policy: UnreliableUnordered}
	s.channels[FarewellChannel] = ChannelSpec{ID: FarewellChannel, Name: "farewell", Policy: UnreliableUnordered}
	s.channels[ReplicationChannel] = ChannelSpec{
		ID:        ReplicationChannel,
		Name:      "replication",
		Policy:    replication,
		Direction: ServerToClient,
	}

	return s
}

// RegisterEvent gives an event type its own channel.
//
// Parameters:
//   - kind: The event kind
//   - name: Human-readable name, part of the fingerprint
//   - dir: Which peer sends it
//   - policy: Ordering and reliability of the channel
//
// Returns:
//   - The assigned channel id
//   - ErrDuplicateRegistration or ErrChannelSpaceExhausted
func (s *Schema) RegisterEvent(kind EventKind, name string, dir Direction, policy Policy) (ChannelID, error) {
	if _, ok := s.events[kind]; ok {
		return 0, fmt.Errorf("%w: event kind %d", ErrDuplicateRegistration, kind)
	}

	if s.next == 0 {
		return 0, ErrChannelSpaceExhausted
	}

	id := s.next
	s.next++
	s.events[kind] = id
	s.channels[id] = ChannelSpec{ID: id, Name: name, Policy: policy, Direction: dir, Event: kind}

	return id, nil
}

// RegisterComponent declares a replicated component type.
func (s *Schema) RegisterComponent(kind ComponentKind, name string) error {
	if _, ok := s.components[kind]; ok {
		return fmt.Errorf("%w: component kind %d", ErrDuplicateRegistration, kind)
	}

	s.components[kind] = name
	return nil
}

// Channel returns the spec for id.
func (s *Schema) Channel(id ChannelID) (ChannelSpec, bool) {
	c, ok := s.channels[id]
	return c, ok
}

// EventChannel returns the channel carrying events of kind.
func (s *Schema) EventChannel(kind EventKind) (ChannelID, bool) {
	id, ok := s.events[kind]
	return id, ok
}

// HasComponent reports whether kind is registered.
func (s *Schema) HasComponent(kind ComponentKind) bool {
	_, ok := s.components[kind]
	return ok
}

// ComponentName returns the registered name of kind.
func (s *Schema) ComponentName(kind ComponentKind) string {
	return s.components[kind]
}

// Channels returns every channel spec ordered by id.
func (s *Schema) Channels() []ChannelSpec {
	out := make([]ChannelSpec, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProtocolID is the value exchanged in the handshake: the base protocol id
// xor a fingerprint of the whole table. Peers built with different tables
// therefore fail the handshake with a protocol mismatch instead of silently
// misreading each other.
func (s *Schema) ProtocolID() uint32 {
	d := xxhash.New()

	var buf [8]byte
	for _, c := range s.Channels() {
		binary.BigEndian.PutUint16(buf[0:2], uint16(c.ID))
		buf[2] = byte(c.Policy.Ordering)
		buf[3] = byte(c.Policy.Reliability)
		buf[4] = byte(c.Direction)
		binary.BigEndian.PutUint16(buf[5:7], uint16(c.Event))
		_, _ = d.Write(buf[:7])
		_, _ = d.WriteString(c.Name)
	}

	kinds := make([]int, 0, len(s.components))
	for k := range s.components {
		kinds = append(kinds, int(k))
	}
	sort.Ints(kinds)
	for _, k := range kinds {
		binary.BigEndian.PutUint16(buf[0:2], uint16(k))
		_, _ = d.Write(buf[:2])
		_, _ = d.WriteString(s.components[ComponentKind(k)])
	}

	sum := d.Sum64()
	return s.baseID ^ uint32(sum) ^ uint32(sum>>32)
}
