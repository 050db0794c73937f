package replication

import (
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/session"
)

// Option configures a Replicator.
type Option func(*Replicator)

// WithLogger sets the replicator logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Replicator) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replicator) {
		r.metrics = m
	}
}

// WithOwnedDespawn controls whether a session's entities are despawned
// when it disconnects. Enabled by default.
func WithOwnedDespawn(enabled bool) Option {
	return func(r *Replicator) {
		r.despawnOwned = enabled
	}
}

// Replicator streams a World to the Connected sessions of a session
// manager. It subscribes to session lifecycle at construction: new sessions
// receive a snapshot, and ended sessions lose their entities.
type Replicator struct {
	world        *World
	sessions     *session.Manager
	logger       logger.Logger
	metrics      *metrics.Metrics
	despawnOwned bool
}

// NewReplicator creates a Replicator and subscribes it to mgr. Subscribe it
// before application subscribers so a new session's snapshot precedes
// anything the application spawns for it.
//
// Parameters:
//   - world: The authoritative world
//   - mgr: The session manager whose Connected sessions receive updates
//   - opts: Logger, metrics and despawn policy
//
// Returns:
//   - The subscribed Replicator
func NewReplicator(world *World, mgr *session.Manager, opts ...Option) *Replicator {
	r := &Replicator{
		world:        world,
		sessions:     mgr,
		logger:       logger.Nop(),
		despawnOwned: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	mgr.Subscribe(r)
	return r
}

// SessionConnected implements session.Subscriber.
func (r *Replicator) SessionConnected(s *session.Session) {
	snapshot := r.world.Snapshot()
	r.send(s, snapshot)
	s.Logger().Debug("replication snapshot sent", logger.Field{Key: "messages", Value: len(snapshot)})
}

// SessionDisconnected implements session.Subscriber.
func (r *Replicator) SessionDisconnected(s *session.Session, _ session.DisconnectReason) {
	if !r.despawnOwned {
		return
	}

	if ids := r.world.DespawnOwnedBy(uint64(s.ID)); len(ids) > 0 {
		s.Logger().Debug("despawned owned entities", logger.Field{Key: "entities", Value: len(ids)})
	}
}

// Flush sends every change collected from the world to every Connected
// session. Call it once per tick, after application logic ran.
//
// Returns:
//   - The number of replication messages collected
func (r *Replicator) Flush() int {
	msgs := r.world.Collect()
	if len(msgs) == 0 {
		return 0
	}

	for _, s := range r.sessions.Sessions() {
		r.send(s, msgs)
	}
	return len(msgs)
}

func (r *Replicator) send(s *session.Session, msgs []protocol.ReplicationMessage) {
	for _, msg := range msgs {
		if err := s.Send(protocol.ReplicationChannel, protocol.EncodeReplication(msg)); err != nil {
			s.Logger().Error("replication send failed",
				logger.Field{Key: "entity", Value: msg.Entity},
				logger.Field{Key: "kind", Value: msg.Kind.String()},
				logger.Field{Key: "error", Value: err})
			continue
		}
		r.metrics.Replication(msg.Kind.String())
	}
}
