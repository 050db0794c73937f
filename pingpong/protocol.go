// Package pingpong is the reference application: clients send Ping events,
// the server counts them per session in a replicated Counter component and
// answers every Ping with a broadcast Pong.
package pingpong

import (
	"github.com/cyberinferno/go-replicon/event"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/replication"
)

const (
	PingKind protocol.EventKind = 1
	PongKind protocol.EventKind = 2

	CounterKind protocol.ComponentKind = 1
)

// Ping is sent by clients.
type Ping struct {
	Message string
}

// Kind implements event.Event.
func (Ping) Kind() protocol.EventKind { return PingKind }

// MarshalBinary implements event.Event.
func (p Ping) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	return e.String(1, p.Message).Encoded(), nil
}

// Pong is broadcast by the server for every Ping it processes.
type Pong struct {
	Response string
}

// Kind implements event.Event.
func (Pong) Kind() protocol.EventKind { return PongKind }

// MarshalBinary implements event.Event.
func (p Pong) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	return e.String(1, p.Response).Encoded(), nil
}

// Counter is the number of Pings the server processed for a session.
type Counter struct {
	Count uint32
}

// Kind implements replication.Component.
func (Counter) Kind() protocol.ComponentKind { return CounterKind }

// MarshalBinary implements replication.Component.
func (c Counter) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	return e.Uint(1, uint64(c.Count)).Encoded(), nil
}

func decodePing(b []byte) (event.Event, error) {
	d := protocol.NewDecoder(b)
	p := Ping{Message: d.String(1)}
	return p, d.Finish()
}

func decodePong(b []byte) (event.Event, error) {
	d := protocol.NewDecoder(b)
	p := Pong{Response: d.String(1)}
	return p, d.Finish()
}

func decodeCounter(b []byte) (replication.Component, error) {
	d := protocol.NewDecoder(b)
	c := Counter{Count: uint32(d.Uint(1))}
	return c, d.Finish()
}

// Protocol is the ping/pong schema with its event and component registries.
// Server and client each build their own; equal base ids give equal
// protocol ids.
type Protocol struct {
	Schema     *protocol.Schema
	Events     *event.Registry
	Components *replication.Registry
}

// NewProtocol registers Ping, Pong and Counter.
//
// Parameters:
//   - baseID: The application's base protocol id
//
// Returns:
//   - The protocol, or a registration error
func NewProtocol(baseID uint32) (*Protocol, error) {
	schema := protocol.NewSchema(baseID, protocol.ReliableOrdered)
	events := event.NewRegistry(schema)
	components := replication.NewRegistry(schema)

	if _, err := events.Register(PingKind, "ping", protocol.ClientToServer, protocol.ReliableOrdered, decodePing); err != nil {
		return nil, err
	}
	if _, err := events.Register(PongKind, "pong", protocol.ServerToClient, protocol.ReliableOrdered, decodePong); err != nil {
		return nil, err
	}
	if err := components.Register(CounterKind, "counter", decodeCounter); err != nil {
		return nil, err
	}

	return &Protocol{Schema: schema, Events: events, Components: components}, nil
}
