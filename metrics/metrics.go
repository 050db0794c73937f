// Package metrics exposes Prometheus counters for the replication protocol:
// traffic, protocol anomalies, retransmissions and session lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Anomaly kinds used as the "kind" label of protocol_anomalies_total.
const (
	AnomalyMalformed        = "malformed"
	AnomalyUnknownChannel   = "unknown_channel"
	AnomalyUnknownSession   = "unknown_session"
	AnomalyDeliveryNoTarget = "delivery_to_unknown_session"
	AnomalyReorderOverflow  = "reorder_overflow"
	AnomalyQueueOverflow    = "queue_overflow"
	AnomalyRehandshake      = "rehandshake"
	AnomalyEndedSession     = "ended_session"
)

// Session results used as the "result" label of sessions_total.
const (
	ResultAccepted         = "accepted"
	ResultProtocolMismatch = "protocol_mismatch"
	ResultRejected         = "rejected"
	ResultTimeout          = "timeout"
	ResultDisconnected     = "disconnected"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "replicon").
	Namespace string

	// Subsystem is the metrics subsystem, typically "server" or "client".
	Subsystem string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Registry receives the metrics. Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registerer. Tests pass a fresh
// prometheus.NewRegistry() so that several servers can coexist.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the protocol counters. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	DatagramsReceived   prometheus.Counter
	DatagramsSent       prometheus.Counter
	Anomalies           *prometheus.CounterVec
	Retransmissions     prometheus.Counter
	ActiveSessions      prometheus.Gauge
	Sessions            *prometheus.CounterVec
	Events              *prometheus.CounterVec
	ReplicationMessages *prometheus.CounterVec
}

// New registers the replicon metric set.
//
// Metrics collected:
//   - replicon_<subsystem>_datagrams_received_total
//   - replicon_<subsystem>_datagrams_sent_total
//   - replicon_<subsystem>_protocol_anomalies_total{kind}
//   - replicon_<subsystem>_retransmissions_total
//   - replicon_<subsystem>_active_sessions
//   - replicon_<subsystem>_sessions_total{result}
//   - replicon_<subsystem>_events_total{direction}
//   - replicon_<subsystem>_replication_messages_total{kind}
//
// Parameters:
//   - opts: Options overriding the defaults
//
// Returns:
//   - The registered Metrics
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "replicon",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	return &Metrics{
		DatagramsReceived: factory.NewCounter(counterOpts(
			"datagrams_received_total", "Datagrams read from the transport")),
		DatagramsSent: factory.NewCounter(counterOpts(
			"datagrams_sent_total", "Datagrams written to the transport")),
		Anomalies: factory.NewCounterVec(counterOpts(
			"protocol_anomalies_total", "Dropped datagrams and messages by anomaly kind"), []string{"kind"}),
		Retransmissions: factory.NewCounter(counterOpts(
			"retransmissions_total", "Reliable frames sent again after their resend deadline")),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "active_sessions",
			Help:        "Sessions currently in the Connected state",
			ConstLabels: cfg.ConstLabels,
		}),
		Sessions: factory.NewCounterVec(counterOpts(
			"sessions_total", "Session lifecycle outcomes"), []string{"result"}),
		Events: factory.NewCounterVec(counterOpts(
			"events_total", "Application events by direction"), []string{"direction"}),
		ReplicationMessages: factory.NewCounterVec(counterOpts(
			"replication_messages_total", "Replication messages by kind"), []string{"kind"}),
	}
}

// Anomaly counts one protocol anomaly of the given kind.
func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

// Received counts n inbound datagrams.
func (m *Metrics) Received(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DatagramsReceived.Add(float64(n))
}

// Sent counts n outbound datagrams.
func (m *Metrics) Sent(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DatagramsSent.Add(float64(n))
}

// Retransmitted counts n retransmitted reliable frames.
func (m *Metrics) Retransmitted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Retransmissions.Add(float64(n))
}

// SessionResult counts one session outcome.
func (m *Metrics) SessionResult(result string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(result).Inc()
}

// SetActiveSessions records the number of Connected sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Event counts one application event ("inbound" or "outbound").
func (m *Metrics) Event(direction string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(direction).Inc()
}

// Replication counts one replication message ("spawn", "update", "despawn").
func (m *Metrics) Replication(kind string) {
	if m == nil {
		return
	}
	m.ReplicationMessages.WithLabelValues(kind).Inc()
}
