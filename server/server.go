// Package server runs the authoritative side of a replicon session: it owns
// the socket, the session manager, the replicated world and the event
// dispatcher, and advances them one cooperative tick at a time.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-replicon/event"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/replication"
	"github.com/cyberinferno/go-replicon/session"
	"github.com/cyberinferno/go-replicon/transport"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning is returned by Tick before Start or after Stop.
	ErrNotRunning = errors.New("server: not running")

	// ErrSchemaMismatch is returned by New when the event and component
	// registries were built on different schemas.
	ErrSchemaMismatch = errors.New("server: registries use different schemas")
)

// ListenFunc binds the server socket.
type ListenFunc func(address string) (transport.Socket, error)

// Config configures a Server.
type Config struct {
	// Name identifies the server in logs.
	Name string

	// Address is the UDP address to bind, e.g. ":5000".
	Address string

	// Session tunes handshake, liveness and channels. Its ProtocolID is
	// derived from the schema and need not be set.
	Session session.Config
}

// DefaultConfig returns a server on port 5000 with the session defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "replicon",
		Address: ":5000",
		Session: session.DefaultConfig(),
	}
}

// Hooks are the application callbacks. They run on the goroutine calling
// Tick, after the tick's inbound phase and without the server lock held,
// so they may call any Server method. Nil hooks are skipped.
type Hooks struct {
	OnConnected     func(id session.ID)
	OnDisconnected  func(id session.ID, reason session.DisconnectReason)
	OnEventReceived func(id session.ID, e event.Event)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithListener replaces the UDP binding, e.g. with an in-memory network.
func WithListener(fn ListenFunc) Option {
	return func(s *Server) {
		s.listen = fn
	}
}

// WithAuthenticator replaces the default insecure authenticator.
func WithAuthenticator(a session.Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithSubscriber registers an extra session lifecycle subscriber. It runs
// inside the tick with the server lock held and must not block.
func WithSubscriber(sub session.Subscriber) Option {
	return func(s *Server) {
		s.subscribers = append(s.subscribers, sub)
	}
}

// SessionInfo is a snapshot of one Connected session.
type SessionInfo struct {
	ID           session.ID
	ClientID     uint64
	Addr         net.Addr
	ConnectedAt  time.Duration
	LastActivity time.Duration
}

// Server is the authoritative replication server. Tick drives it; every
// other method is safe to call from any goroutine.
type Server struct {
	cfg         Config
	logger      logger.Logger
	metrics     *metrics.Metrics
	listen      ListenFunc
	auth        session.Authenticator
	subscribers []session.Subscriber

	mu         sync.Mutex
	running    bool
	now        time.Duration
	socket     transport.Socket
	sessions   *session.Manager
	world      *replication.World
	replicator *replication.Replicator
	events     *event.ServerDispatcher
	hooks      Hooks

	// Hook invocations collected during the locked phases of a tick.
	pending []func()
}

// New creates a stopped server.
//
// Parameters:
//   - cfg: Address, name and session tuning
//   - events: The event registry shared with clients
//   - components: The component registry shared with clients; must use
//     the same schema as events
//   - opts: Logger, metrics, listener, authenticator, subscribers
//
// Returns:
//   - The server, ErrSchemaMismatch or session.ErrInsecureAuthDisabled
func New(cfg Config, events *event.Registry, components *replication.Registry, opts ...Option) (*Server, error) {
	if events.Schema() != components.Schema() {
		return nil, ErrSchemaMismatch
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.listen == nil {
		s.listen = func(address string) (transport.Socket, error) {
			return transport.Bind(address, transport.WithLogger(s.logger))
		}
	}

	schema := events.Schema()
	cfg.Session.ProtocolID = schema.ProtocolID()

	sessionOpts := []session.Option{session.WithLogger(s.logger), session.WithMetrics(s.metrics)}
	if s.auth != nil {
		sessionOpts = append(sessionOpts, session.WithAuthenticator(s.auth))
	}
	mgr, err := session.NewManager(schema, cfg.Session, sessionOpts...)
	if err != nil {
		return nil, err
	}

	s.sessions = mgr
	s.world = replication.NewWorld(components)
	s.replicator = replication.NewReplicator(s.world, mgr,
		replication.WithLogger(s.logger), replication.WithMetrics(s.metrics))
	s.events = event.NewServerDispatcher(events, mgr,
		event.WithLogger(s.logger), event.WithMetrics(s.metrics))

	mgr.Subscribe(session.SubscriberFuncs{
		Connected:    s.sessionConnected,
		Disconnected: s.sessionDisconnected,
	})
	for _, sub := range s.subscribers {
		mgr.Subscribe(sub)
	}

	return s, nil
}

// SetHooks installs the application callbacks.
func (s *Server) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

func (s *Server) sessionConnected(ss *session.Session) {
	id := ss.ID
	if fn := s.hooks.OnConnected; fn != nil {
		s.pending = append(s.pending, func() { fn(id) })
	}
}

func (s *Server) sessionDisconnected(ss *session.Session, reason session.DisconnectReason) {
	id := ss.ID
	if fn := s.hooks.OnDisconnected; fn != nil {
		s.pending = append(s.pending, func() { fn(id, reason) })
	}
}

// Start binds the socket. A bind failure is fatal to the server.
//
// Returns:
//   - ErrAlreadyRunning, or an error wrapping transport.ErrBindFailure
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Error("server already running")
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.Name)
	}

	socket, err := s.listen(s.cfg.Address)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		if !errors.Is(err, transport.ErrBindFailure) {
			err = fmt.Errorf("%w: %v", transport.ErrBindFailure, err)
		}
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.socket = socket
	s.running = true
	s.logger.Info(fmt.Sprintf("%s server started", s.cfg.Name),
		logger.Field{Key: "addr", Value: socket.LocalAddr().String()},
		logger.Field{Key: "protocol_id", Value: s.cfg.Session.ProtocolID})

	return nil
}

// Tick advances the server by dt: it drains the socket, runs handshakes,
// liveness and event decoding, invokes the hooks, then sends replication
// changes, queued events, acks and retransmissions.
//
// Parameters:
//   - dt: Time since the previous tick
//
// Returns:
//   - ErrNotRunning if the server is not started
func (s *Server) Tick(dt time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}

	s.now += dt
	s.ingest()
	s.sessions.Expire(s.now)
	hooks := s.takePending()
	s.mu.Unlock()

	runHooks(hooks)

	s.mu.Lock()
	if s.running {
		s.flush()
	}
	hooks = s.takePending()
	s.mu.Unlock()

	runHooks(hooks)
	return nil
}

func (s *Server) takePending() []func() {
	p := s.pending
	s.pending = nil
	return p
}

func runHooks(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}

func (s *Server) ingest() {
	for {
		addr, b, err := s.socket.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				s.logger.Error("socket receive failed", logger.Field{Key: "error", Value: err})
			}
			return
		}
		s.metrics.Received(1)

		for _, in := range s.sessions.HandleDatagram(addr, b, s.now) {
			fc, err := s.events.Receive(in)
			if err != nil {
				continue
			}
			if fn := s.hooks.OnEventReceived; fn != nil {
				s.pending = append(s.pending, func() { fn(fc.Session, fc.Event) })
			}
		}
	}
}

func (s *Server) flush() {
	s.replicator.Flush()
	_ = s.events.Flush()
	s.send(s.sessions.Flush(s.now))
}

func (s *Server) send(out []session.Outbound) {
	for _, o := range out {
		if err := s.socket.SendTo(o.Addr, o.Data); err != nil {
			s.logger.Warn("datagram send failed",
				logger.Field{Key: "remote_addr", Value: o.Addr.String()},
				logger.Field{Key: "error", Value: err})
			continue
		}
		s.metrics.Sent(1)
	}
}

// Run ticks the server at rate until ctx is cancelled, then stops it.
//
// Parameters:
//   - ctx: Cancellation
//   - rate: Ticks per second
//
// Returns:
//   - nil after a clean stop, or the first Tick error
func (s *Server) Run(ctx context.Context, rate int) error {
	if rate <= 0 {
		rate = 60
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case now := <-ticker.C:
			if err := s.Tick(now.Sub(last)); err != nil {
				return err
			}
			last = now
		}
	}
}

// Stop disconnects every session with a shutdown notice and closes the
// socket. Safe to call when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Info(fmt.Sprintf("%s server not running", s.cfg.Name))
		return
	}

	s.sessions.Shutdown()
	s.send(s.sessions.Flush(s.now))
	s.running = false
	if err := s.socket.Close(); err != nil {
		s.logger.Warn("socket close failed", logger.Field{Key: "error", Value: err})
	}
	hooks := s.takePending()
	s.mu.Unlock()

	runHooks(hooks)
	s.logger.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
}

// SendEvent queues an event for the next tick.
//
// Parameters:
//   - target: event.Broadcast() or event.ToSession(id)
//   - e: The event
//
// Returns:
//   - event.ErrDeliveryToUnknownSession or a registration error
func (s *Server) SendEvent(target event.Target, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Send(target, e)
}

// WithWorld runs fn with exclusive access to the replicated world. Changes
// are sent at the end of the current or next tick.
func (s *Server) WithWorld(fn func(w *replication.World) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.world)
}

// Kick disconnects a session.
//
// Returns:
//   - session.ErrUnknownSession if it is not Connected
func (s *Server) Kick(id session.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Disconnect(id)
}

// Session returns a snapshot of a Connected session.
func (s *Server) Session(id session.ID) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions.Session(id)
	if !ok {
		return SessionInfo{}, false
	}
	return info(ss), true
}

// Sessions returns snapshots of every Connected session ordered by id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.sessions.Sessions()
	out := make([]SessionInfo, 0, len(all))
	for _, ss := range all {
		out = append(out, info(ss))
	}
	return out
}

func info(ss *session.Session) SessionInfo {
	return SessionInfo{
		ID:           ss.ID,
		ClientID:     ss.ClientID,
		Addr:         ss.Addr,
		ConnectedAt:  ss.ConnectedAt,
		LastActivity: ss.LastActivity,
	}
}

// LocalAddr returns the bound address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.socket == nil {
		return nil
	}
	return s.socket.LocalAddr()
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Now returns the server's monotonic clock: the sum of all tick deltas.
func (s *Server) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}
