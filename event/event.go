// Package event carries discrete application messages between clients and
// the server, each event kind on its own channel with its own delivery
// policy.
package event

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
)

var (
	// ErrUnknownEvent is returned for an unregistered event kind or a
	// channel that carries no event. It wraps protocol.ErrMalformedMessage.
	ErrUnknownEvent = fmt.Errorf("%w: unknown event", protocol.ErrMalformedMessage)

	// ErrDeliveryToUnknownSession is returned when a server event targets a
	// session that is not Connected. The event is dropped.
	ErrDeliveryToUnknownSession = errors.New("event: delivery to unknown session")

	// ErrWrongDirection is returned when an event is sent against the
	// direction it was registered with.
	ErrWrongDirection = errors.New("event: wrong direction")
)

// Event is an application message. MarshalBinary must be deterministic.
type Event interface {
	Kind() protocol.EventKind
	MarshalBinary() ([]byte, error)
}

// Decoder rebuilds an event from its encoded form.
type Decoder func(b []byte) (Event, error)

// Registry maps event kinds to their channel and decoder.
type Registry struct {
	schema   *protocol.Schema
	decoders map[protocol.EventKind]Decoder
}

// NewRegistry creates an empty registry bound to schema.
func NewRegistry(schema *protocol.Schema) *Registry {
	return &Registry{
		schema:   schema,
		decoders: make(map[protocol.EventKind]Decoder),
	}
}

// Register adds an event kind and allocates its channel.
//
// Parameters:
//   - kind: The event kind
//   - name: A stable name, part of the protocol fingerprint
//   - dir: Which side sends it
//   - policy: Ordering and reliability of its channel
//   - dec: The decoder for the kind
//
// Returns:
//   - The channel id carrying the event
//   - protocol.ErrDuplicateRegistration or protocol.ErrChannelSpaceExhausted
func (r *Registry) Register(kind protocol.EventKind, name string, dir protocol.Direction, policy protocol.Policy, dec Decoder) (protocol.ChannelID, error) {
	ch, err := r.schema.RegisterEvent(kind, name, dir, policy)
	if err != nil {
		return 0, err
	}
	r.decoders[kind] = dec
	return ch, nil
}

// Schema returns the schema the registry writes to.
func (r *Registry) Schema() *protocol.Schema {
	return r.schema
}

// channelFor returns the channel of e if it may be sent from side.
func (r *Registry) channelFor(e Event, side protocol.Direction) (protocol.ChannelSpec, error) {
	ch, ok := r.schema.EventChannel(e.Kind())
	if !ok {
		return protocol.ChannelSpec{}, fmt.Errorf("%w: kind %d", ErrUnknownEvent, e.Kind())
	}

	spec, _ := r.schema.Channel(ch)
	if spec.Direction != protocol.Bidirectional && spec.Direction != side {
		return protocol.ChannelSpec{}, fmt.Errorf("%w: %s is %s", ErrWrongDirection, spec.Name, spec.Direction)
	}

	return spec, nil
}

// decode rebuilds the event carried on channel ch.
func (r *Registry) decode(ch protocol.ChannelID, payload []byte) (Event, error) {
	spec, ok := r.schema.Channel(ch)
	if !ok || ch < protocol.FirstEventChannel {
		return nil, fmt.Errorf("%w: channel %d", ErrUnknownEvent, ch)
	}

	dec, ok := r.decoders[spec.Event]
	if !ok {
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownEvent, spec.Event)
	}

	e, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", spec.Name, err)
	}
	return e, nil
}

// Option configures a dispatcher.
type Option func(*options)

type options struct {
	logger  logger.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the dispatcher logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
