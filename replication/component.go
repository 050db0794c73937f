// Package replication keeps the server's authoritative entity state and
// mirrors it on clients.
//
// The server side is a World of entities with typed components, plus a
// Replicator that streams spawns, component updates and despawns to every
// Connected session over the replication channel. The client side is a
// Mirror that applies those messages and answers read queries.
package replication

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-replicon/protocol"
)

var (
	// ErrUnknownComponent is returned when a component kind is not
	// registered. It wraps protocol.ErrMalformedMessage because on the wire
	// it can only come from a peer with a different schema.
	ErrUnknownComponent = fmt.Errorf("%w: unknown component", protocol.ErrMalformedMessage)

	// ErrUnknownEntity is returned for operations on an entity that does
	// not exist.
	ErrUnknownEntity = errors.New("replication: unknown entity")
)

// EntityID identifies a replicated entity. Zero is never a valid id.
type EntityID uint64

// Component is a piece of replicated state. Implementations should be value
// types; MarshalBinary must be deterministic so unchanged state is detected.
type Component interface {
	Kind() protocol.ComponentKind
	MarshalBinary() ([]byte, error)
}

// Decoder rebuilds a component from its encoded form.
type Decoder func(b []byte) (Component, error)

// Registry maps component kinds to decoders and records them in the schema
// so both ends agree on the set of replicated components.
type Registry struct {
	schema   *protocol.Schema
	decoders map[protocol.ComponentKind]Decoder
}

// NewRegistry creates an empty registry bound to schema.
func NewRegistry(schema *protocol.Schema) *Registry {
	return &Registry{
		schema:   schema,
		decoders: make(map[protocol.ComponentKind]Decoder),
	}
}

// Register adds a component kind.
//
// Parameters:
//   - kind: The component kind
//   - name: A stable name, part of the protocol fingerprint
//   - dec: The decoder for the kind
//
// Returns:
//   - protocol.ErrDuplicateRegistration if the kind is already registered
func (r *Registry) Register(kind protocol.ComponentKind, name string, dec Decoder) error {
	if err := r.schema.RegisterComponent(kind, name); err != nil {
		return err
	}
	r.decoders[kind] = dec
	return nil
}

// Schema returns the schema the registry writes to.
func (r *Registry) Schema() *protocol.Schema {
	return r.schema
}

// Decode rebuilds a component of the given kind.
func (r *Registry) Decode(kind protocol.ComponentKind, b []byte) (Component, error) {
	dec, ok := r.decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComponent, kind)
	}

	c, err := dec(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.schema.ComponentName(kind), err)
	}
	return c, nil
}

// Known reports whether kind is registered.
func (r *Registry) Known(kind protocol.ComponentKind) bool {
	_, ok := r.decoders[kind]
	return ok
}
