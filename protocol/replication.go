package protocol

import "fmt"

// ReplicationKind tags a message on the replication channel.
type ReplicationKind uint8

const (
	ReplicationSpawn ReplicationKind = iota + 1
	ReplicationUpdate
	ReplicationDespawn
)

// String returns the kind name, used as a metrics label.
func (k ReplicationKind) String() string {
	switch k {
	case ReplicationSpawn:
		return "spawn"
	case ReplicationUpdate:
		return "update"
	case ReplicationDespawn:
		return "despawn"
	default:
		return fmt.Sprintf("replication(%d)", uint8(k))
	}
}

// ReplicationMessage is one server-to-client state change.
//
//	Spawn:   entity, owner
//	Update:  entity, component, value (the whole encoded component)
//	Despawn: entity
type ReplicationMessage struct {
	Kind      ReplicationKind
	Entity    uint64
	Owner     uint64
	Component ComponentKind
	Value     []byte
}

// EncodeReplication serializes m.
func EncodeReplication(m ReplicationMessage) []byte {
	var e Encoder
	e.Uint(1, uint64(m.Kind)).Uint(2, m.Entity)

	switch m.Kind {
	case ReplicationSpawn:
		e.Uint(3, m.Owner)
	case ReplicationUpdate:
		e.Uint(4, uint64(m.Component)).Bytes(5, m.Value)
	}

	return e.Encoded()
}

// DecodeReplication parses a replication channel payload. Value aliases b.
func DecodeReplication(b []byte) (ReplicationMessage, error) {
	d := NewDecoder(b)

	kind := d.Uint(1)
	if kind > 0xFF {
		return ReplicationMessage{}, fmt.Errorf("%w: replication kind %d", ErrMalformedMessage, kind)
	}

	m := ReplicationMessage{
		Kind:   ReplicationKind(kind),
		Entity: d.Uint(2),
	}

	switch m.Kind {
	case ReplicationSpawn:
		m.Owner = d.Uint(3)
	case ReplicationUpdate:
		c := d.Uint(4)
		if c > 0xFFFF {
			return ReplicationMessage{}, fmt.Errorf("%w: component kind %d", ErrMalformedMessage, c)
		}
		m.Component = ComponentKind(c)
		m.Value = d.Bytes(5)
	case ReplicationDespawn:
	default:
		if err := d.Finish(); err != nil {
			return ReplicationMessage{}, err
		}
		return ReplicationMessage{}, fmt.Errorf("%w: replication kind %d", ErrMalformedMessage, m.Kind)
	}

	if err := d.Finish(); err != nil {
		return ReplicationMessage{}, err
	}

	if m.Entity == 0 {
		return ReplicationMessage{}, fmt.Errorf("%w: zero entity id", ErrMalformedMessage)
	}

	return m, nil
}
