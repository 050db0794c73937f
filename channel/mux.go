// Package channel multiplexes logical channels over one peer-to-peer
// datagram path and enforces each channel's ordering and reliability policy.
//
// A Mux is driven by its owner's tick: HandleDatagram for every inbound
// datagram, Drain to collect messages ready for the application, Flush to
// produce outbound datagrams. Time is passed in as a monotonic offset
// (time.Duration since the owner started) so wall-clock changes never
// affect retransmission or reordering deadlines.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/transport"
)

// MaxPayloadSize is the largest payload that fits in one datagram with a
// sequenced header.
const MaxPayloadSize = transport.MaxDatagramSize - 6

var (
	// ErrRetransmissionExhausted is returned by Flush when a reliable frame
	// stayed unacknowledged past the retransmission timeout. The connection
	// is considered lost.
	ErrRetransmissionExhausted = errors.New("channel: retransmission exhausted")

	// ErrWrongDirection is returned when a channel is used against its
	// declared direction.
	ErrWrongDirection = errors.New("channel: wrong direction")

	// ErrReservedChannel is returned by Send on the ack channel.
	ErrReservedChannel = errors.New("channel: reserved channel")

	// ErrPayloadTooLarge is returned by Send for payloads over MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("channel: payload too large")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel: mux closed")
)

// Config tunes reordering and retransmission.
type Config struct {
	// ReorderWindow is how many sequence numbers ahead of the next expected
	// one an ordered receiver buffers.
	ReorderWindow uint32

	// ReorderTimeout is how long an unreliable ordered receiver waits for a
	// missing frame before skipping past it.
	ReorderTimeout time.Duration

	// RetransmitBase is the first retransmission delay; it doubles per attempt.
	RetransmitBase time.Duration

	// RetransmitMax caps the retransmission delay.
	RetransmitMax time.Duration

	// RetransmitTimeout is how long a reliable frame may stay unacknowledged
	// before the connection is declared lost.
	RetransmitTimeout time.Duration

	// KeepAliveInterval is how long the mux stays silent before sending an
	// empty ack frame as a heartbeat.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns the defaults used by server and client.
func DefaultConfig() Config {
	return Config{
		ReorderWindow:     64,
		ReorderTimeout:    250 * time.Millisecond,
		RetransmitBase:    100 * time.Millisecond,
		RetransmitMax:     time.Second,
		RetransmitTimeout: 5 * time.Second,
		KeepAliveInterval: time.Second,
	}
}

// Message is an application payload delivered on a channel.
type Message struct {
	Channel protocol.ChannelID
	Payload []byte
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the mux logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Mux) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mux) {
		m.metrics = mt
	}
}

// Mux is the per-peer channel state. It is not safe for concurrent use;
// its owner serializes access through the tick.
type Mux struct {
	schema  *protocol.Schema
	side    protocol.Direction
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics

	senders   map[protocol.ChannelID]*sender
	receivers map[protocol.ChannelID]*receiver

	unreliable []protocol.Frame
	acks       []protocol.Ack
	delivered  []Message

	lastSent     time.Duration
	closed       bool
	farewellSeen bool
}

// New creates a Mux for one peer.
//
// Parameters:
//   - schema: The shared channel table
//   - side: The direction this end sends in (ClientToServer on clients,
//     ServerToClient on the server)
//   - cfg: Reordering and retransmission tuning
//   - opts: Logger and metrics
//
// Returns:
//   - A Mux with one sender and receiver per channel in the schema
func New(schema *protocol.Schema, side protocol.Direction, cfg Config, opts ...Option) *Mux {
	m := &Mux{
		schema:    schema,
		side:      side,
		cfg:       cfg,
		logger:    logger.Nop(),
		senders:   make(map[protocol.ChannelID]*sender),
		receivers: make(map[protocol.ChannelID]*receiver),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, spec := range schema.Channels() {
		if spec.ID == protocol.AckChannel || spec.ID == protocol.FarewellChannel {
			continue
		}
		m.senders[spec.ID] = &sender{spec: spec}
		m.receivers[spec.ID] = newReceiver(spec)
	}

	return m
}

func (m *Mux) peerSide() protocol.Direction {
	if m.side == protocol.ClientToServer {
		return protocol.ServerToClient
	}
	return protocol.ClientToServer
}

func allowed(spec protocol.ChannelSpec, dir protocol.Direction) bool {
	return spec.Direction == protocol.Bidirectional || spec.Direction == dir
}

// Send queues payload on channel ch. Reliable frames are kept until
// acknowledged; unreliable ones go out on the next Flush and are forgotten.
//
// Parameters:
//   - ch: The channel id
//   - payload: The message body; copied
//
// Returns:
//   - protocol.ErrUnknownChannel, ErrReservedChannel, ErrWrongDirection,
//     ErrPayloadTooLarge or ErrClosed
func (m *Mux) Send(ch protocol.ChannelID, payload []byte) error {
	if m.closed {
		return ErrClosed
	}

	if ch == protocol.AckChannel || ch == protocol.FarewellChannel {
		return ErrReservedChannel
	}

	s, ok := m.senders[ch]
	if !ok {
		return fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, ch)
	}

	if !allowed(s.spec, m.side) {
		return fmt.Errorf("%w: %s is %s", ErrWrongDirection, s.spec.Name, s.spec.Direction)
	}

	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), s.spec.Name)
	}

	data := append([]byte(nil), payload...)
	seq := s.nextSequence()

	if s.spec.Policy.Reliability == protocol.Reliable {
		s.inflight = append(s.inflight, &inflight{seq: seq, payload: data})
		return nil
	}

	m.unreliable = append(m.unreliable, protocol.Frame{Channel: ch, Sequence: seq, Payload: data})
	return nil
}

// HandleDatagram parses one inbound datagram and applies it. Malformed
// datagrams are counted and returned as errors; they never corrupt state.
//
// Parameters:
//   - b: The raw datagram
//   - now: Monotonic time of arrival
//
// Returns:
//   - nil, or an error wrapping protocol.ErrMalformedMessage
func (m *Mux) HandleDatagram(b []byte, now time.Duration) error {
	if m.closed {
		return ErrClosed
	}

	f, spec, err := m.schema.DecodeFrame(b)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownChannel) {
			m.metrics.Anomaly(metrics.AnomalyUnknownChannel)
		} else {
			m.metrics.Anomaly(metrics.AnomalyMalformed)
		}
		return err
	}

	switch f.Channel {
	case protocol.AckChannel:
		return m.handleAcks(f.Payload)
	case protocol.FarewellChannel:
		// Copies after the first are dropped.
		if !m.farewellSeen {
			m.farewellSeen = true
			m.deliver(protocol.ControlChannel, f.Payload)
		}
		return nil
	}

	if !allowed(spec, m.peerSide()) {
		m.metrics.Anomaly(metrics.AnomalyMalformed)
		return fmt.Errorf("%w: %v on %s", protocol.ErrMalformedMessage, ErrWrongDirection, spec.Name)
	}

	r := m.receivers[f.Channel]
	ack, overflow := r.accept(f, now, m.cfg, m.deliver)
	if ack {
		m.acks = append(m.acks, protocol.Ack{Channel: f.Channel, Sequence: f.Sequence})
	}
	if overflow {
		m.metrics.Anomaly(metrics.AnomalyReorderOverflow)
		m.logger.Debug("frame beyond reorder window",
			logger.Field{Key: "channel", Value: spec.Name},
			logger.Field{Key: "sequence", Value: f.Sequence})
	}

	return nil
}

func (m *Mux) handleAcks(payload []byte) error {
	acks, err := protocol.DecodeAcks(payload)
	if err != nil {
		m.metrics.Anomaly(metrics.AnomalyMalformed)
		return err
	}

	for _, a := range acks {
		if s, ok := m.senders[a.Channel]; ok {
			s.ack(a.Sequence)
		}
	}

	return nil
}

func (m *Mux) deliver(ch protocol.ChannelID, payload []byte) {
	m.delivered = append(m.delivered, Message{Channel: ch, Payload: payload})
}

// Drain returns the messages that became deliverable since the last call,
// in delivery order. Messages on the same channel respect that channel's
// ordering policy; messages on different channels have no relative order.
func (m *Mux) Drain() []Message {
	out := m.delivered
	m.delivered = nil
	return out
}

// Flush produces the datagrams to send now: acks, unreliable frames, first
// transmissions and due retransmissions of reliable frames, or a heartbeat
// when the mux has been silent for KeepAliveInterval. It also applies the
// reorder timeout to unreliable ordered channels.
//
// Parameters:
//   - now: Current monotonic time
//
// Returns:
//   - The encoded datagrams
//   - ErrRetransmissionExhausted if any reliable frame timed out
func (m *Mux) Flush(now time.Duration) ([][]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}

	for _, r := range m.receivers {
		r.expire(now, m.cfg, m.deliver)
	}

	var out [][]byte
	encode := func(f protocol.Frame) {
		b, err := m.schema.EncodeFrame(f)
		if err != nil {
			m.logger.Error("frame encode failed", logger.Field{Key: "error", Value: err})
			return
		}
		out = append(out, b)
	}

	for len(m.acks) > 0 {
		n := min(len(m.acks), protocol.MaxAcksPerFrame)
		encode(protocol.Frame{Channel: protocol.AckChannel, Payload: protocol.EncodeAcks(m.acks[:n])})
		m.acks = m.acks[n:]
	}
	m.acks = nil

	for _, f := range m.unreliable {
		encode(f)
	}
	m.unreliable = nil

	ids := make([]protocol.ChannelID, 0, len(m.senders))
	for id, s := range m.senders {
		if len(s.inflight) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	exhausted := false
	retransmitted := 0
	for _, id := range ids {
		s := m.senders[id]
		oldest := s.inflight[0].seq
		for _, in := range s.inflight {
			// Never run further ahead of the oldest unacked frame than the
			// peer's reorder window; it would drop those frames unacked.
			if !in.sent && in.seq-oldest >= m.cfg.ReorderWindow {
				break
			}

			switch {
			case !in.sent:
				in.sent = true
				in.firstSent = now
				in.attempts = 1
				in.nextSend = now + m.cfg.RetransmitBase
			case now >= in.nextSend:
				if now-in.firstSent >= m.cfg.RetransmitTimeout {
					exhausted = true
					continue
				}
				in.attempts++
				in.nextSend = now + m.backoff(in.attempts)
				retransmitted++
			default:
				continue
			}
			encode(protocol.Frame{Channel: id, Sequence: in.seq, Payload: in.payload})
		}
	}
	m.metrics.Retransmitted(retransmitted)

	if exhausted {
		return nil, ErrRetransmissionExhausted
	}

	if len(out) == 0 && now-m.lastSent >= m.cfg.KeepAliveInterval {
		encode(protocol.Frame{Channel: protocol.AckChannel})
	}

	if len(out) > 0 {
		m.lastSent = now
	}

	return out, nil
}

func (m *Mux) backoff(attempts int) time.Duration {
	d := m.cfg.RetransmitBase
	for i := 1; i < attempts && d < m.cfg.RetransmitMax; i++ {
		d *= 2
	}
	return min(d, m.cfg.RetransmitMax)
}

// PendingReliable returns the number of reliable frames awaiting an ack.
func (m *Mux) PendingReliable() int {
	n := 0
	for _, s := range m.senders {
		n += len(s.inflight)
	}
	return n
}

// Buffered returns the number of out-of-order frames held for reordering.
func (m *Mux) Buffered() int {
	n := 0
	for _, r := range m.receivers {
		n += len(r.buffer)
	}
	return n
}

// Farewell closes the mux and returns copies of one final control message
// carrying payload, replacing everything still queued. The copies travel on
// the unsequenced farewell channel and the peer delivers the first one as a
// control message, even when an earlier control frame it already delivered
// is still unacknowledged here. No state survives to retransmit it; a lost
// farewell is covered by the peer's liveness timeout.
//
// Parameters:
//   - payload: The control payload (a disconnect or a rejection)
//   - copies: How many identical datagrams to return
//
// Returns:
//   - The datagrams, or nil if the mux was already closed
func (m *Mux) Farewell(payload []byte, copies int) [][]byte {
	if m.closed {
		return nil
	}

	b, err := m.schema.EncodeFrame(protocol.Frame{Channel: protocol.FarewellChannel, Payload: payload})
	m.Close()
	if err != nil {
		return nil
	}

	out := make([][]byte, copies)
	for i := range out {
		out[i] = b
	}
	return out
}

// Close drops every queued, buffered and in-flight message. Nothing
// buffered before Close is ever delivered or sent afterwards.
func (m *Mux) Close() {
	m.closed = true
	m.senders = nil
	m.receivers = nil
	m.unreliable = nil
	m.acks = nil
	m.delivered = nil
}

// Closed reports whether Close was called.
func (m *Mux) Closed() bool {
	return m.closed
}
