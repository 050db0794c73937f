package replication

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cyberinferno/go-replicon/protocol"
)

type mirrored struct {
	owner      uint64
	components map[protocol.ComponentKind]Component
}

// Mirror is a client's read-only copy of the server's entities. Apply is
// called from the client tick; the read methods are safe to call from any
// goroutine.
type Mirror struct {
	mu       sync.RWMutex
	registry *Registry
	entities map[EntityID]*mirrored
}

// NewMirror creates an empty mirror that decodes components with registry.
func NewMirror(registry *Registry) *Mirror {
	return &Mirror{
		registry: registry,
		entities: make(map[EntityID]*mirrored),
	}
}

// Apply applies one replication message. Spawns and updates create unseen
// entities; updates overwrite components (the last one to arrive wins);
// entities are removed only by a despawn. A despawn of an unknown entity is
// ignored.
//
// Parameters:
//   - msg: A decoded replication message
//
// Returns:
//   - ErrUnknownComponent or a decoding error for bad updates; the mirror
//     is unchanged in that case
func (m *Mirror) Apply(msg protocol.ReplicationMessage) error {
	id := EntityID(msg.Entity)

	var c Component
	if msg.Kind == protocol.ReplicationUpdate {
		var err error
		if c, err = m.registry.Decode(msg.Component, msg.Value); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Kind {
	case protocol.ReplicationSpawn:
		m.ensure(id).owner = msg.Owner
	case protocol.ReplicationUpdate:
		m.ensure(id).components[msg.Component] = c
	case protocol.ReplicationDespawn:
		delete(m.entities, id)
	default:
		return fmt.Errorf("%w: replication kind %d", protocol.ErrMalformedMessage, msg.Kind)
	}

	return nil
}

func (m *Mirror) ensure(id EntityID) *mirrored {
	e, ok := m.entities[id]
	if !ok {
		e = &mirrored{components: make(map[protocol.ComponentKind]Component)}
		m.entities[id] = e
	}
	return e
}

// Component returns the last received value of a component.
func (m *Mirror) Component(id EntityID, kind protocol.ComponentKind) (Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	c, ok := e.components[kind]
	return c, ok
}

// Lookup returns a component of type T. T must be a value type whose zero
// value reports its kind.
func Lookup[T Component](m *Mirror, id EntityID) (T, bool) {
	var zero T
	c, ok := m.Component(id, zero.Kind())
	if !ok {
		return zero, false
	}
	t, ok := c.(T)
	return t, ok
}

// Owner returns the owning session id of an entity.
func (m *Mirror) Owner(id EntityID) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return 0, false
	}
	return e.owner, true
}

// Entities returns every mirrored entity id in ascending order.
func (m *Mirror) Entities() []EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]EntityID, 0, len(m.entities))
	for id := range m.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OwnedBy returns the mirrored entities owned by owner in ascending order.
func (m *Mirror) OwnedBy(owner uint64) []EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []EntityID
	for id, e := range m.entities {
		if e.owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of mirrored entities.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Reset forgets every entity. The client calls it when a new connection
// is established.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[EntityID]*mirrored)
}
