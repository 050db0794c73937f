package event

import (
	"fmt"

	"github.com/cyberinferno/go-replicon/channel"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
)

// ClientDispatcher queues client events until the client flushes them to
// its multiplexer and decodes server events. It is driven by the client
// tick and is not safe for concurrent use.
type ClientDispatcher struct {
	registry *Registry
	logger   logger.Logger
	metrics  *metrics.Metrics

	queue []channel.Message
}

// NewClientDispatcher creates a client dispatcher.
func NewClientDispatcher(registry *Registry, opts ...Option) *ClientDispatcher {
	o := newOptions(opts)
	return &ClientDispatcher{
		registry: registry,
		logger:   o.logger,
		metrics:  o.metrics,
	}
}

// Send serializes e and queues it for the next Flush.
//
// Returns:
//   - ErrUnknownEvent, ErrWrongDirection or an encoding error
func (d *ClientDispatcher) Send(e Event) error {
	spec, err := d.registry.channelFor(e, protocol.ClientToServer)
	if err != nil {
		return err
	}

	payload, err := e.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", spec.Name, err)
	}

	d.queue = append(d.queue, channel.Message{Channel: spec.ID, Payload: payload})
	return nil
}

// Flush moves the queue into mux. The client calls it only while Connected.
//
// Returns:
//   - The first error from mux; the remaining events stay queued
func (d *ClientDispatcher) Flush(mux *channel.Mux) error {
	for i, m := range d.queue {
		if err := mux.Send(m.Channel, m.Payload); err != nil {
			d.queue = d.queue[i:]
			return err
		}
		d.metrics.Event("outbound")
	}
	d.queue = nil
	return nil
}

// Drop discards every queued event. The client calls it when the
// handshake fails or the connection is lost.
//
// Returns:
//   - The number of events discarded
func (d *ClientDispatcher) Drop() int {
	n := len(d.queue)
	d.queue = nil
	return n
}

// Pending returns the number of queued events.
func (d *ClientDispatcher) Pending() int {
	return len(d.queue)
}

// Receive decodes a server event.
//
// Returns:
//   - The event, or an error wrapping protocol.ErrMalformedMessage
func (d *ClientDispatcher) Receive(m channel.Message) (Event, error) {
	e, err := d.registry.decode(m.Channel, m.Payload)
	if err != nil {
		d.metrics.Anomaly(metrics.AnomalyMalformed)
		d.logger.Warn("undecodable event dropped", logger.Field{Key: "error", Value: err})
		return nil, err
	}

	d.metrics.Event("inbound")
	return e, nil
}
