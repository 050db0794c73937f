package event

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/session"
)

// Target selects the recipients of a server event.
type Target struct {
	broadcast bool
	session   session.ID
}

// Broadcast targets every Connected session.
func Broadcast() Target {
	return Target{broadcast: true}
}

// ToSession targets one session.
func ToSession(id session.ID) Target {
	return Target{session: id}
}

// String describes the target for logs.
func (t Target) String() string {
	if t.broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("session(%d)", t.session)
}

// FromClient is an event received from a session.
type FromClient struct {
	Session session.ID
	Event   Event
}

type outgoing struct {
	target  Target
	channel protocol.ChannelID
	payload []byte
}

// ServerDispatcher queues server events per target and decodes client
// events. It is driven by the server tick and is not safe for concurrent use.
type ServerDispatcher struct {
	registry *Registry
	sessions *session.Manager
	logger   logger.Logger
	metrics  *metrics.Metrics

	queue []outgoing
}

// NewServerDispatcher creates a dispatcher delivering to the Connected
// sessions of mgr.
func NewServerDispatcher(registry *Registry, mgr *session.Manager, opts ...Option) *ServerDispatcher {
	o := newOptions(opts)
	return &ServerDispatcher{
		registry: registry,
		sessions: mgr,
		logger:   o.logger,
		metrics:  o.metrics,
	}
}

// Send serializes e once and queues it for target. Delivery happens at the
// next Flush.
//
// Parameters:
//   - target: Broadcast() or ToSession(id)
//   - e: The event
//
// Returns:
//   - ErrDeliveryToUnknownSession if the target session is not Connected
//   - ErrUnknownEvent, ErrWrongDirection or an encoding error
func (d *ServerDispatcher) Send(target Target, e Event) error {
	spec, err := d.registry.channelFor(e, protocol.ServerToClient)
	if err != nil {
		return err
	}

	if !target.broadcast {
		if _, ok := d.sessions.Session(target.session); !ok {
			d.undeliverable(target, spec.Name)
			return fmt.Errorf("%w: %d", ErrDeliveryToUnknownSession, target.session)
		}
	}

	payload, err := e.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode %s: %w", spec.Name, err)
	}

	d.queue = append(d.queue, outgoing{target: target, channel: spec.ID, payload: payload})
	return nil
}

func (d *ServerDispatcher) undeliverable(target Target, event string) {
	d.metrics.Anomaly(metrics.AnomalyDeliveryNoTarget)
	d.logger.Warn("event for unknown session dropped",
		logger.Field{Key: "target", Value: target.String()},
		logger.Field{Key: "event", Value: event})
}

// Flush hands every queued event to the multiplexers of its recipients, in
// the order they were sent. Targets that disconnected since Send are
// skipped.
//
// Returns:
//   - The joined delivery errors, or nil
func (d *ServerDispatcher) Flush() error {
	queue := d.queue
	d.queue = nil

	var errs []error
	for _, o := range queue {
		if o.target.broadcast {
			for _, s := range d.sessions.Sessions() {
				errs = append(errs, d.deliver(s.ID, o))
			}
			continue
		}

		if _, ok := d.sessions.Session(o.target.session); !ok {
			spec, _ := d.registry.schema.Channel(o.channel)
			d.undeliverable(o.target, spec.Name)
			errs = append(errs, fmt.Errorf("%w: %d", ErrDeliveryToUnknownSession, o.target.session))
			continue
		}
		errs = append(errs, d.deliver(o.target.session, o))
	}

	return errors.Join(errs...)
}

func (d *ServerDispatcher) deliver(id session.ID, o outgoing) error {
	if err := d.sessions.Send(id, o.channel, o.payload); err != nil {
		d.logger.Error("event send failed",
			logger.Field{Key: "session_id", Value: uint64(id)},
			logger.Field{Key: "error", Value: err})
		return err
	}
	d.metrics.Event("outbound")
	return nil
}

// Pending returns the number of queued sends.
func (d *ServerDispatcher) Pending() int {
	return len(d.queue)
}

// Receive decodes an application message from a Connected session.
// Undecodable messages are counted as anomalies and dropped.
//
// Parameters:
//   - in: A message returned by session.Manager.HandleDatagram
//
// Returns:
//   - The decoded event and its sender, or an error wrapping
//     protocol.ErrMalformedMessage
func (d *ServerDispatcher) Receive(in session.Inbound) (FromClient, error) {
	e, err := d.registry.decode(in.Message.Channel, in.Message.Payload)
	if err != nil {
		d.metrics.Anomaly(metrics.AnomalyMalformed)
		in.Session.Logger().Warn("undecodable event dropped", logger.Field{Key: "error", Value: err})
		return FromClient{}, err
	}

	d.metrics.Event("inbound")
	return FromClient{Session: in.Session.ID, Event: e}, nil
}
