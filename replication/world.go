package replication

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cyberinferno/go-replicon/idgenerator"
	"github.com/cyberinferno/go-replicon/protocol"
)

type entity struct {
	id         EntityID
	owner      uint64
	components map[protocol.ComponentKind]Component
	encoded    map[protocol.ComponentKind][]byte
	dirty      map[protocol.ComponentKind]struct{}
}

// World is the server's authoritative entity store. It records every
// change since the last Collect. It is not safe for concurrent use.
type World struct {
	registry *Registry
	ids      *idgenerator.Generator
	entities map[EntityID]*entity

	// Spawns and despawns since the last Collect, in call order.
	lifecycle []protocol.ReplicationMessage
}

// NewWorld creates an empty world. Components must be registered in
// registry before they are attached to entities.
func NewWorld(registry *Registry) *World {
	return &World{
		registry: registry,
		ids:      idgenerator.New(0),
		entities: make(map[EntityID]*entity),
	}
}

// Spawn creates an entity owned by owner (zero for server-owned entities)
// with the given components.
//
// Parameters:
//   - owner: The session id of the owning client, or zero
//   - components: Initial component values
//
// Returns:
//   - The new entity id
//   - An error if a component is unregistered or fails to encode; no
//     entity is created in that case
func (w *World) Spawn(owner uint64, components ...Component) (EntityID, error) {
	e := &entity{
		owner:      owner,
		components: make(map[protocol.ComponentKind]Component, len(components)),
		encoded:    make(map[protocol.ComponentKind][]byte, len(components)),
		dirty:      make(map[protocol.ComponentKind]struct{}, len(components)),
	}

	for _, c := range components {
		if err := w.store(e, c); err != nil {
			return 0, err
		}
	}

	e.id = EntityID(w.ids.Next())
	w.entities[e.id] = e
	w.lifecycle = append(w.lifecycle, protocol.ReplicationMessage{
		Kind:   protocol.ReplicationSpawn,
		Entity: uint64(e.id),
		Owner:  owner,
	})

	return e.id, nil
}

func (w *World) store(e *entity, c Component) error {
	kind := c.Kind()
	if !w.registry.Known(kind) {
		return fmt.Errorf("%w: %d", ErrUnknownComponent, kind)
	}

	b, err := c.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", w.registry.schema.ComponentName(kind), err)
	}

	if prev, ok := e.encoded[kind]; ok && bytes.Equal(prev, b) {
		return nil
	}

	e.components[kind] = c
	e.encoded[kind] = b
	e.dirty[kind] = struct{}{}
	return nil
}

// Set attaches or replaces a component. Values that encode identically to
// the current one are not replicated again.
//
// Parameters:
//   - id: The entity
//   - c: The new component value
//
// Returns:
//   - ErrUnknownEntity, ErrUnknownComponent or an encoding error
func (w *World) Set(id EntityID, c Component) error {
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	return w.store(e, c)
}

// Despawn removes an entity. Pending updates for it are discarded.
func (w *World) Despawn(id EntityID) error {
	if _, ok := w.entities[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}

	delete(w.entities, id)
	w.lifecycle = append(w.lifecycle, protocol.ReplicationMessage{
		Kind:   protocol.ReplicationDespawn,
		Entity: uint64(id),
	})
	return nil
}

// DespawnOwnedBy removes every entity owned by owner and returns their ids.
func (w *World) DespawnOwnedBy(owner uint64) []EntityID {
	ids := w.OwnedBy(owner)
	for _, id := range ids {
		_ = w.Despawn(id)
	}
	return ids
}

// Get returns the current value of a component.
func (w *World) Get(id EntityID, kind protocol.ComponentKind) (Component, bool) {
	e, ok := w.entities[id]
	if !ok {
		return nil, false
	}
	c, ok := e.components[kind]
	return c, ok
}

// Owner returns the owner of an entity.
func (w *World) Owner(id EntityID) (uint64, bool) {
	e, ok := w.entities[id]
	if !ok {
		return 0, false
	}
	return e.owner, true
}

// Exists reports whether the entity is alive.
func (w *World) Exists(id EntityID) bool {
	_, ok := w.entities[id]
	return ok
}

// Entities returns every live entity id in ascending order.
func (w *World) Entities() []EntityID {
	out := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OwnedBy returns the entities owned by owner in ascending order.
func (w *World) OwnedBy(owner uint64) []EntityID {
	var out []EntityID
	for _, id := range w.Entities() {
		if w.entities[id].owner == owner {
			out = append(out, id)
		}
	}
	return out
}

// EntityOf returns the oldest entity owned by owner.
func (w *World) EntityOf(owner uint64) (EntityID, bool) {
	ids := w.OwnedBy(owner)
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// Len returns the number of live entities.
func (w *World) Len() int {
	return len(w.entities)
}

// Collect returns the changes since the previous call: spawns and despawns
// in the order they happened, then one Update per changed component of each
// surviving entity carrying its latest value. Updates always follow the
// Spawn of their entity.
func (w *World) Collect() []protocol.ReplicationMessage {
	out := w.lifecycle
	w.lifecycle = nil

	for _, id := range w.Entities() {
		e := w.entities[id]
		if len(e.dirty) == 0 {
			continue
		}

		out = append(out, e.updates(sortedKinds(e.dirty))...)
		e.dirty = make(map[protocol.ComponentKind]struct{})
	}

	return out
}

// Snapshot returns a Spawn followed by an Update per component for every
// live entity, bringing a fresh mirror to the current state. It does not
// affect what Collect returns.
func (w *World) Snapshot() []protocol.ReplicationMessage {
	var out []protocol.ReplicationMessage
	for _, id := range w.Entities() {
		e := w.entities[id]
		out = append(out, protocol.ReplicationMessage{
			Kind:   protocol.ReplicationSpawn,
			Entity: uint64(id),
			Owner:  e.owner,
		})
		out = append(out, e.updates(sortedKinds(e.encoded))...)
	}
	return out
}

func sortedKinds[V any](m map[protocol.ComponentKind]V) []protocol.ComponentKind {
	out := make([]protocol.ComponentKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *entity) updates(kinds []protocol.ComponentKind) []protocol.ReplicationMessage {
	out := make([]protocol.ReplicationMessage, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, protocol.ReplicationMessage{
			Kind:      protocol.ReplicationUpdate,
			Entity:    uint64(e.id),
			Component: k,
			Value:     e.encoded[k],
		})
	}
	return out
}
