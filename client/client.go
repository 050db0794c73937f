// Package client implements the client side of a replicon session: the
// handshake, a mirror of the server's replicated entities and two-way
// events. Connection state changes and server events are reported through
// registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-replicon/channel"
	"github.com/cyberinferno/go-replicon/event"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/replication"
	"github.com/cyberinferno/go-replicon/session"
	"github.com/cyberinferno/go-replicon/transport"
)

// farewellCopies is how many Disconnect datagrams a client sends when it
// leaves.
const farewellCopies = 3

var (
	// ErrConnectTimeout is reported when the server does not answer the
	// handshake within Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("client: connect timeout")

	// ErrRejected is reported when the server refuses the handshake. It is
	// joined with the matching session error (session.ErrProtocolMismatch,
	// session.ErrServerFull, ...).
	ErrRejected = errors.New("client: connection rejected")

	// ErrNotConnected is returned by SendEvent unless the client is Connected.
	ErrNotConnected = errors.New("client: not connected")

	// ErrAlreadyConnected is returned by Connect while a connection is open
	// or in progress.
	ErrAlreadyConnected = errors.New("client: already connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("client: closed")

	// ErrSchemaMismatch is returned by New when the event and component
	// registries were built on different schemas.
	ErrSchemaMismatch = errors.New("client: registries use different schemas")
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Handshake in progress
	Connected                           // Handshake accepted
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	SessionID session.ID      // The session id once Connected, else zero
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by a failure
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers run on the goroutine calling Tick, without the client lock held.
type ConnectionStateHandler func(e ConnectionStateEvent)

// EventHandler is called for every event received from the server, in
// delivery order. Handlers run on the goroutine calling Tick.
type EventHandler func(e event.Event)

// UpdateHandler is called once per Tick with the tick delta, after inbound
// traffic has been applied and before outbound traffic is flushed.
type UpdateHandler func(dt time.Duration)

// DialFunc binds the client socket and resolves the server address.
type DialFunc func(bindAddress, serverAddress string) (transport.Socket, net.Addr, error)

// Config configures a Client.
type Config struct {
	// ServerAddress is the server's "host:port".
	ServerAddress string

	// BindAddress is the local address; ":0" picks an ephemeral port.
	BindAddress string

	// ClientID is the id of the first connection; zero uses the current
	// unix time in milliseconds. Later connections always use a larger id.
	ClientID uint64

	// ConnectTimeout bounds the handshake.
	ConnectTimeout time.Duration

	// LivenessTimeout is how long the server may stay silent before the
	// connection is considered lost.
	LivenessTimeout time.Duration

	// AutoReconnect opens a new connection ReconnectInterval after the
	// previous one was lost or refused.
	AutoReconnect bool

	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration

	// Channel tunes the multiplexer.
	Channel channel.Config
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The server "host:port"
//
// Returns:
//   - A Config with defaults: ephemeral bind, ConnectTimeout 5s,
//     LivenessTimeout 5s, no auto-reconnect, ReconnectInterval 5s
func DefaultConfig(address string) Config {
	return Config{
		ServerAddress:     address,
		BindAddress:       ":0",
		ConnectTimeout:    5 * time.Second,
		LivenessTimeout:   5 * time.Second,
		ReconnectInterval: 5 * time.Second,
		Channel:           channel.DefaultConfig(),
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDialer replaces the UDP binding, e.g. with an in-memory network.
func WithDialer(fn DialFunc) Option {
	return func(c *Client) {
		c.dial = fn
	}
}

func dialUDP(l logger.Logger) DialFunc {
	return func(bindAddress, serverAddress string) (transport.Socket, net.Addr, error) {
		server, err := net.ResolveUDPAddr("udp", serverAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", serverAddress, err)
		}
		socket, err := transport.Bind(bindAddress, transport.WithLogger(l))
		if err != nil {
			return nil, nil, err
		}
		return socket, server, nil
	}
}

// Client is a replicon client. Tick drives it; every other method is safe
// for concurrent use.
type Client struct {
	cfg     Config
	schema  *protocol.Schema
	logger  logger.Logger
	metrics *metrics.Metrics
	dial    DialFunc

	mirror     *replication.Mirror
	components *replication.Registry
	dispatcher *event.ClientDispatcher

	onConnectionState ConnectionStateHandler
	onEvent           EventHandler
	onUpdate          UpdateHandler

	mu           sync.Mutex
	state        ConnectionState
	now          time.Duration
	socket       transport.Socket
	server       net.Addr
	mux          *channel.Mux
	clientID     uint64
	sessionID    session.ID
	startedAt    time.Duration
	lastReceived time.Duration
	reconnectAt  time.Duration
	lastErr      error

	// Messages that arrived before the handshake response.
	early []channel.Message

	// Handler invocations collected while the lock was held.
	pending []func()
}

// New creates a Disconnected client. Call Connect to start.
//
// Parameters:
//   - cfg: Server address and timeouts (e.g. from DefaultConfig)
//   - events: The event registry shared with the server
//   - components: The component registry shared with the server; must use
//     the same schema as events
//   - opts: Logger, metrics and dialer
//
// Returns:
//   - The client, or ErrSchemaMismatch
func New(cfg Config, events *event.Registry, components *replication.Registry, opts ...Option) (*Client, error) {
	if events.Schema() != components.Schema() {
		return nil, ErrSchemaMismatch
	}

	c := &Client{
		cfg:        cfg,
		schema:     events.Schema(),
		logger:     logger.Nop(),
		components: components,
		mirror:     replication.NewMirror(components),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = dialUDP(c.logger)
	}
	c.dispatcher = event.NewClientDispatcher(events, event.WithLogger(c.logger), event.WithMetrics(c.metrics))

	return c, nil
}

// OnConnectionState registers the handler for connection state changes.
// Only one handler is active; repeated calls replace the previous handler.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnEvent registers the handler for server events.
// Only one handler is active; repeated calls replace the previous handler.
func (c *Client) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
}

// OnUpdate registers a handler run once per Tick, between the inbound and
// outbound phases.
// Only one handler is active; repeated calls replace the previous handler.
func (c *Client) OnUpdate(handler UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = handler
}

// Connect binds a socket and sends the handshake. The result is reported
// through the connection state handler during later ticks.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or an error wrapping
//     transport.ErrBindFailure
func (c *Client) Connect() error {
	c.mu.Lock()
	err := c.connect()
	hooks := c.takePending()
	c.mu.Unlock()

	runHandlers(hooks)
	return err
}

func (c *Client) connect() error {
	switch c.state {
	case Closed:
		return ErrClosed
	case Connecting, Connected:
		return ErrAlreadyConnected
	}

	socket, server, err := c.dial(c.cfg.BindAddress, c.cfg.ServerAddress)
	if err != nil {
		c.logger.Error("client failed to bind", logger.Field{Key: "error", Value: err})
		return err
	}

	c.clientID = c.nextClientID()
	c.socket = socket
	c.server = server
	c.sessionID = 0
	c.early = nil
	c.mirror.Reset()
	c.mux = channel.New(c.schema, protocol.ClientToServer, c.cfg.Channel,
		channel.WithLogger(c.logger), channel.WithMetrics(c.metrics))

	req := protocol.ConnectRequest{ClientID: c.clientID, ProtocolID: c.schema.ProtocolID()}
	if err := c.mux.Send(protocol.ControlChannel, protocol.EncodeControl(req)); err != nil {
		return err
	}

	c.startedAt = c.now
	c.lastReceived = c.now
	c.logger.Info("connecting",
		logger.Field{Key: "server", Value: server.String()},
		logger.Field{Key: "client_id", Value: c.clientID})
	c.setState(Connecting, nil)

	// Send the request now rather than at the next tick.
	c.flush()
	return nil
}

// nextClientID returns the current unix time in milliseconds, or one more
// than the previous id if the clock has not moved past it.
func (c *Client) nextClientID() uint64 {
	id := uint64(time.Now().UnixMilli())
	if c.clientID == 0 && c.cfg.ClientID != 0 {
		id = c.cfg.ClientID
	}
	if id <= c.clientID {
		id = c.clientID + 1
	}
	return id
}

func (c *Client) setState(s ConnectionState, err error) {
	c.state = s
	if err != nil {
		c.lastErr = err
	}

	e := ConnectionStateEvent{
		State:     s,
		Address:   c.cfg.ServerAddress,
		SessionID: c.sessionID,
		Timestamp: time.Now(),
		Error:     err,
	}
	if fn := c.onConnectionState; fn != nil {
		c.pending = append(c.pending, func() { fn(e) })
	}
}

func (c *Client) takePending() []func() {
	p := c.pending
	c.pending = nil
	return p
}

func runHandlers(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}

// Tick advances the client by dt: it drains the socket, applies
// replication, delivers server events and checks timeouts, then runs the
// update handler and flushes queued events, acks and retransmissions.
//
// Parameters:
//   - dt: Time since the previous tick
func (c *Client) Tick(dt time.Duration) {
	c.mu.Lock()
	c.now += dt

	switch c.state {
	case Connecting, Connected:
		c.ingest()
		c.checkTimeouts()
	case Disconnected:
		if c.cfg.AutoReconnect && c.lastErr != nil && c.now >= c.reconnectAt {
			if err := c.connect(); err != nil {
				c.reconnectAt = c.now + c.cfg.ReconnectInterval
			}
		}
	}

	update := c.onUpdate
	hooks := c.takePending()
	c.mu.Unlock()

	runHandlers(hooks)
	if update != nil {
		update(dt)
	}

	c.mu.Lock()
	if c.state == Connected {
		if err := c.dispatcher.Flush(c.mux); err != nil {
			c.logger.Warn("event flush failed", logger.Field{Key: "error", Value: err})
		}
	}
	if c.state == Connecting || c.state == Connected {
		c.flush()
	}
	hooks = c.takePending()
	c.mu.Unlock()

	runHandlers(hooks)
}

func (c *Client) ingest() {
	for c.state == Connecting || c.state == Connected {
		addr, b, err := c.socket.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				c.logger.Error("socket receive failed", logger.Field{Key: "error", Value: err})
			}
			return
		}
		c.metrics.Received(1)

		if addr.String() != c.server.String() {
			c.metrics.Anomaly(metrics.AnomalyUnknownSession)
			c.logger.Warn("datagram from unexpected address", logger.Field{Key: "remote_addr", Value: addr.String()})
			continue
		}

		if err := c.mux.HandleDatagram(b, c.now); err != nil {
			c.logger.Warn("dropped datagram", logger.Field{Key: "error", Value: err})
			continue
		}
		c.lastReceived = c.now

		for _, msg := range c.mux.Drain() {
			c.handle(msg)
			if c.state == Disconnected {
				return
			}
		}
	}
}

func (c *Client) handle(msg channel.Message) {
	if msg.Channel == protocol.ControlChannel {
		c.handleControl(msg.Payload)
		return
	}

	if c.state == Connecting {
		c.early = append(c.early, msg)
		return
	}

	if msg.Channel == protocol.ReplicationChannel {
		rm, err := protocol.DecodeReplication(msg.Payload)
		if err == nil {
			err = c.mirror.Apply(rm)
		}
		if err != nil {
			c.metrics.Anomaly(metrics.AnomalyMalformed)
			c.logger.Warn("replication message dropped", logger.Field{Key: "error", Value: err})
			return
		}
		c.metrics.Replication(rm.Kind.String())
		return
	}

	e, err := c.dispatcher.Receive(msg)
	if err != nil {
		return
	}
	if fn := c.onEvent; fn != nil {
		c.pending = append(c.pending, func() { fn(e) })
	}
}

func (c *Client) handleControl(payload []byte) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		c.metrics.Anomaly(metrics.AnomalyMalformed)
		c.logger.Warn("malformed control message", logger.Field{Key: "error", Value: err})
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectResponse:
		if c.state != Connecting {
			return
		}
		if !m.Accepted {
			c.teardown(fmt.Errorf("%w: %w", ErrRejected, rejectError(m.Reason)), false)
			return
		}

		c.sessionID = session.ID(m.SessionID)
		c.logger.Info("connected", logger.Field{Key: "session_id", Value: m.SessionID})
		c.setState(Connected, nil)

		early := c.early
		c.early = nil
		for _, msg := range early {
			c.handle(msg)
		}
	case protocol.Disconnect:
		reason := session.ReasonFromCode(m.Code)
		c.teardown(reason.Err(), false)
	default:
		c.metrics.Anomaly(metrics.AnomalyMalformed)
		c.logger.Warn("unexpected control message", logger.Field{Key: "kind", Value: msg.ControlKind()})
	}
}

func rejectError(r protocol.RejectReason) error {
	switch r {
	case protocol.RejectProtocolMismatch:
		return session.ErrProtocolMismatch
	case protocol.RejectServerFull:
		return session.ErrServerFull
	case protocol.RejectDuplicateClient:
		return session.ErrDuplicateClient
	default:
		return session.ErrUnauthorized
	}
}

func (c *Client) checkTimeouts() {
	switch {
	case c.state == Connecting && c.now-c.startedAt > c.cfg.ConnectTimeout:
		c.teardown(ErrConnectTimeout, false)
	case c.state == Connected && c.now-c.lastReceived > c.cfg.LivenessTimeout:
		c.teardown(session.ErrSessionTimeout, false)
	}
}

func (c *Client) flush() {
	out, err := c.mux.Flush(c.now)
	if err != nil {
		if errors.Is(err, channel.ErrRetransmissionExhausted) {
			if c.state == Connecting {
				err = fmt.Errorf("%w: %w", ErrConnectTimeout, err)
			} else {
				err = fmt.Errorf("%w: %w", session.ErrSessionTimeout, err)
			}
			c.teardown(err, false)
		}
		return
	}
	c.send(out)
}

func (c *Client) send(out [][]byte) {
	for _, b := range out {
		if err := c.socket.SendTo(c.server, b); err != nil {
			c.logger.Warn("datagram send failed", logger.Field{Key: "error", Value: err})
			continue
		}
		c.metrics.Sent(1)
	}
}

// teardown ends the connection. Queued events and every buffered or
// in-flight message are dropped; the mirror is kept until the next Connect.
func (c *Client) teardown(cause error, farewell bool) {
	if farewell {
		c.send(c.mux.Farewell(protocol.EncodeControl(protocol.Disconnect{Code: protocol.DisconnectRequested}), farewellCopies))
	} else {
		c.mux.Close()
	}

	if n := c.dispatcher.Drop(); n > 0 {
		c.logger.Debug("dropped queued events", logger.Field{Key: "events", Value: n})
	}
	c.early = nil

	if err := c.socket.Close(); err != nil {
		c.logger.Warn("socket close failed", logger.Field{Key: "error", Value: err})
	}

	if cause != nil {
		c.logger.Warn("disconnected", logger.Field{Key: "error", Value: cause})
		c.reconnectAt = c.now + c.cfg.ReconnectInterval
	} else {
		c.logger.Info("disconnected")
	}

	c.sessionID = 0
	c.setState(Disconnected, cause)
}

// SendEvent queues an event for the server. Events are only accepted while
// Connected and are dropped if the connection is lost before they are
// flushed.
//
// Returns:
//   - ErrNotConnected, or a registration or encoding error
func (c *Client) SendEvent(e event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		return ErrNotConnected
	}
	return c.dispatcher.Send(e)
}

// Disconnect leaves the server. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.lastErr = nil
		c.teardown(nil, true)
	}
	hooks := c.takePending()
	c.mu.Unlock()

	runHandlers(hooks)
}

// Close disconnects and prevents further connections.
func (c *Client) Close() {
	c.Disconnect()

	c.mu.Lock()
	if c.state != Closed {
		c.setState(Closed, nil)
	}
	hooks := c.takePending()
	c.mu.Unlock()

	runHandlers(hooks)
}

// Run ticks the client at rate until ctx is cancelled, then closes it.
//
// Parameters:
//   - ctx: Cancellation
//   - rate: Ticks per second
func (c *Client) Run(ctx context.Context, rate int) {
	if rate <= 0 {
		rate = 60
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case now := <-ticker.C:
			c.Tick(now.Sub(last))
			last = now
		}
	}
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id while Connected, else zero.
func (c *Client) SessionID() session.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ClientID returns the id of the current or last connection.
func (c *Client) ClientID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// LocalAddr returns the bound address of the current or last connection,
// or nil before the first Connect.
func (c *Client) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return nil
	}
	return c.socket.LocalAddr()
}

// LastError returns the cause of the last failed connection, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Mirror returns the replicated entities. It stays readable after a
// disconnect and is reset by the next Connect.
func (c *Client) Mirror() *replication.Mirror {
	return c.mirror
}

// Components returns the component registry, e.g. for replication.Lookup.
func (c *Client) Components() *replication.Registry {
	return c.components
}
