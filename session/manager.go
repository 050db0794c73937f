package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/go-replicon/channel"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
)

// farewellCopies is how many times a rejection or server-side disconnect is
// sent. Nothing retransmits it.
const farewellCopies = 3

// Config tunes the session manager.
type Config struct {
	// ProtocolID must match the id in every ConnectRequest.
	ProtocolID uint32

	// MaxSessions caps the number of Connected sessions.
	MaxSessions int

	// LivenessTimeout is how long a session may stay silent before it is
	// disconnected. It also bounds how long late datagrams from a closed
	// session are silently ignored.
	LivenessTimeout time.Duration

	// Channel tunes every session's multiplexer.
	Channel channel.Config

	// AllowInsecure permits InsecureAuthenticator.
	AllowInsecure bool
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     10,
		LivenessTimeout: 5 * time.Second,
		Channel:         channel.DefaultConfig(),
		AllowInsecure:   true,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithAuthenticator replaces the default InsecureAuthenticator.
func WithAuthenticator(a Authenticator) Option {
	return func(m *Manager) {
		m.auth = a
	}
}

// Outbound is a datagram to send.
type Outbound struct {
	Addr net.Addr
	Data []byte
}

// Inbound is an application message received from a Connected session.
type Inbound struct {
	Session *Session
	Message channel.Message
}

// Manager owns every session of a server. It is not safe for concurrent
// use; the server serializes calls through its tick.
type Manager struct {
	schema  *protocol.Schema
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics
	auth    Authenticator

	byAddr      map[string]*Session
	byID        map[ID]*Session
	subscribers []Subscriber
	outbox      []Outbound

	// Addresses and client ids of recently ended sessions.
	tombstones *cache.Cache
}

// NewManager creates a session manager.
//
// Parameters:
//   - schema: The channel table shared with clients
//   - cfg: Handshake, liveness and channel tuning
//   - opts: Logger, metrics and authenticator
//
// Returns:
//   - The manager, or ErrInsecureAuthDisabled
func NewManager(schema *protocol.Schema, cfg Config, opts ...Option) (*Manager, error) {
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}

	m := &Manager{
		schema: schema,
		cfg:    cfg,
		logger: logger.Nop(),
		auth:   InsecureAuthenticator{},
		byAddr: make(map[string]*Session),
		byID:   make(map[ID]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.auth.Insecure() {
		if !cfg.AllowInsecure {
			return nil, ErrInsecureAuthDisabled
		}
		m.logger.Warn("insecure authentication enabled: client ids are self-asserted")
	}

	m.tombstones = cache.New(cfg.LivenessTimeout, cfg.LivenessTimeout)

	return m, nil
}

// Subscribe registers a lifecycle subscriber. Subscribers are called in
// registration order.
func (m *Manager) Subscribe(s Subscriber) {
	m.subscribers = append(m.subscribers, s)
}

func clientKey(id uint64) string {
	return "client:" + strconv.FormatUint(id, 10)
}

func addrKey(addr net.Addr) string {
	return "addr:" + addr.String()
}

// HandleDatagram routes one inbound datagram. Datagrams from unknown
// addresses open a Connecting session only if they carry a ConnectRequest;
// anything else is dropped and counted.
//
// Parameters:
//   - addr: The sender address
//   - b: The raw datagram
//   - now: Monotonic arrival time
//
// Returns:
//   - The application messages that became deliverable on a Connected session
func (m *Manager) HandleDatagram(addr net.Addr, b []byte, now time.Duration) []Inbound {
	s, ok := m.byAddr[addr.String()]
	if !ok {
		req, isRequest := m.peekConnectRequest(b)
		prev, recent := m.tombstones.Get(addrKey(addr))

		switch {
		case !isRequest && recent && m.isFarewell(b):
			// Redundant copy of the farewell that ended the session.
			return nil
		case !isRequest && recent:
			m.metrics.Anomaly(metrics.AnomalyEndedSession)
			m.logger.Warn("datagram from ended session", logger.Field{Key: "remote_addr", Value: addr.String()})
			return nil
		case !isRequest:
			m.metrics.Anomaly(metrics.AnomalyUnknownSession)
			m.logger.Warn("datagram from unknown address", logger.Field{Key: "remote_addr", Value: addr.String()})
			return nil
		case recent && prev == req.ClientID:
			m.logger.Debug("stale connect request", logger.Field{Key: "remote_addr", Value: addr.String()})
			return nil
		}

		s = m.open(addr, now)
	}

	if err := s.mux.HandleDatagram(b, now); err != nil {
		s.logger.Warn("dropped datagram", logger.Field{Key: "error", Value: err})
		return nil
	}
	s.LastActivity = now

	var out []Inbound
	for _, msg := range s.mux.Drain() {
		if msg.Channel == protocol.ControlChannel {
			m.handleControl(s, msg.Payload, now)
			if s.State == Disconnected {
				return nil
			}
			continue
		}

		if s.State != Connected {
			m.metrics.Anomaly(metrics.AnomalyUnknownSession)
			s.logger.Warn("message before handshake", logger.Field{Key: "channel", Value: msg.Channel})
			continue
		}

		out = append(out, Inbound{Session: s, Message: msg})
	}

	return out
}

func (m *Manager) isFarewell(b []byte) bool {
	f, _, err := m.schema.DecodeFrame(b)
	return err == nil && f.Channel == protocol.FarewellChannel
}

func (m *Manager) peekConnectRequest(b []byte) (protocol.ConnectRequest, bool) {
	f, _, err := m.schema.DecodeFrame(b)
	if err != nil || f.Channel != protocol.ControlChannel {
		return protocol.ConnectRequest{}, false
	}

	msg, err := protocol.DecodeControl(f.Payload)
	if err != nil {
		return protocol.ConnectRequest{}, false
	}

	req, ok := msg.(protocol.ConnectRequest)
	return req, ok
}

func (m *Manager) open(addr net.Addr, now time.Duration) *Session {
	l := m.logger.With(logger.Field{Key: "remote_addr", Value: addr.String()})
	s := &Session{
		Addr:         addr,
		State:        Connecting,
		CreatedAt:    now,
		LastActivity: now,
		logger:       l,
		mux:          channel.New(m.schema, protocol.ServerToClient, m.cfg.Channel, channel.WithLogger(l), channel.WithMetrics(m.metrics)),
	}
	m.byAddr[addr.String()] = s

	return s
}

func (m *Manager) handleControl(s *Session, payload []byte, now time.Duration) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		m.metrics.Anomaly(metrics.AnomalyMalformed)
		s.logger.Warn("malformed control message", logger.Field{Key: "error", Value: err})
		return
	}

	switch c := msg.(type) {
	case protocol.ConnectRequest:
		if s.State != Connecting {
			m.metrics.Anomaly(metrics.AnomalyRehandshake)
			s.logger.Warn("connect request on established session ignored", logger.Field{Key: "client_id", Value: c.ClientID})
			return
		}
		m.handshake(s, c, now)
	case protocol.Disconnect:
		m.end(s, ReasonRequested)
	default:
		m.metrics.Anomaly(metrics.AnomalyMalformed)
		s.logger.Warn("unexpected control message", logger.Field{Key: "kind", Value: msg.ControlKind()})
	}
}

func (m *Manager) validate(addr net.Addr, req protocol.ConnectRequest) (protocol.RejectReason, error) {
	if req.ProtocolID != m.cfg.ProtocolID {
		return protocol.RejectProtocolMismatch,
			fmt.Errorf("%w: got %#x, want %#x", ErrProtocolMismatch, req.ProtocolID, m.cfg.ProtocolID)
	}

	if req.ClientID == 0 {
		return protocol.RejectUnauthorized, fmt.Errorf("%w: zero client id", ErrUnauthorized)
	}

	if _, live := m.byID[ID(req.ClientID)]; live {
		return protocol.RejectDuplicateClient, fmt.Errorf("%w: %d is connected", ErrDuplicateClient, req.ClientID)
	}
	if _, recent := m.tombstones.Get(clientKey(req.ClientID)); recent {
		return protocol.RejectDuplicateClient, fmt.Errorf("%w: %d ended recently", ErrDuplicateClient, req.ClientID)
	}

	if len(m.byID) >= m.cfg.MaxSessions {
		return protocol.RejectServerFull, fmt.Errorf("%w: %d sessions", ErrServerFull, len(m.byID))
	}

	if err := m.auth.Authenticate(addr, req); err != nil {
		return protocol.RejectUnauthorized, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return protocol.RejectNone, nil
}

func (m *Manager) handshake(s *Session, req protocol.ConnectRequest, now time.Duration) {
	s.ClientID = req.ClientID

	reason, err := m.validate(s.Addr, req)
	if err != nil {
		result := metrics.ResultRejected
		if errors.Is(err, ErrProtocolMismatch) {
			result = metrics.ResultProtocolMismatch
		}
		m.metrics.SessionResult(result)
		s.logger.Warn("connect rejected",
			logger.Field{Key: "client_id", Value: req.ClientID},
			logger.Field{Key: "reason", Value: reason.String()},
			logger.Field{Key: "error", Value: err})

		m.farewell(s, protocol.ConnectResponse{Reason: reason})
		s.State = Disconnected
		delete(m.byAddr, s.Addr.String())
		m.tombstones.SetDefault(addrKey(s.Addr), req.ClientID)
		return
	}

	s.ID = ID(req.ClientID)
	s.State = Connected
	s.ConnectedAt = now
	s.logger = s.logger.With(logger.Field{Key: "session_id", Value: uint64(s.ID)})
	m.byID[s.ID] = s

	resp := protocol.EncodeControl(protocol.ConnectResponse{Accepted: true, SessionID: uint64(s.ID)})
	if err := s.mux.Send(protocol.ControlChannel, resp); err != nil {
		s.logger.Error("queue connect response failed", logger.Field{Key: "error", Value: err})
	}

	m.metrics.SessionResult(metrics.ResultAccepted)
	m.metrics.SetActiveSessions(len(m.byID))
	s.logger.Info("session connected")

	for _, sub := range m.subscribers {
		sub.SessionConnected(s)
	}
}

func (m *Manager) farewell(s *Session, msg protocol.ControlMessage) {
	for _, b := range s.mux.Farewell(protocol.EncodeControl(msg), farewellCopies) {
		m.outbox = append(m.outbox, Outbound{Addr: s.Addr, Data: b})
	}
}

// end moves s to Disconnected. It is a no-op for sessions that already
// ended, so every cause of disconnection fires subscribers at most once.
func (m *Manager) end(s *Session, reason DisconnectReason) {
	if s.State == Disconnected {
		return
	}
	wasConnected := s.State == Connected
	s.State = Disconnected

	if reason == ReasonKicked || reason == ReasonShutdown {
		m.farewell(s, protocol.Disconnect{Code: reason.code()})
	} else {
		s.mux.Close()
	}
	delete(m.byAddr, s.Addr.String())

	if !wasConnected {
		s.logger.Debug("abandoned handshake", logger.Field{Key: "reason", Value: reason.String()})
		return
	}

	delete(m.byID, s.ID)
	m.tombstones.SetDefault(addrKey(s.Addr), s.ClientID)
	m.tombstones.SetDefault(clientKey(s.ClientID), struct{}{})

	result := metrics.ResultDisconnected
	if reason == ReasonTimeout || reason == ReasonRetransmission {
		result = metrics.ResultTimeout
	}
	m.metrics.SessionResult(result)
	m.metrics.SetActiveSessions(len(m.byID))
	s.logger.Info("session disconnected", logger.Field{Key: "reason", Value: reason.String()})

	for _, sub := range m.subscribers {
		sub.SessionDisconnected(s, reason)
	}
}

// Expire disconnects every session silent for longer than the liveness
// timeout. Connecting sessions that never completed are dropped quietly.
//
// Parameters:
//   - now: Current monotonic time
func (m *Manager) Expire(now time.Duration) {
	for _, s := range m.all() {
		if now-s.LastActivity > m.cfg.LivenessTimeout {
			m.end(s, ReasonTimeout)
		}
	}
}

// Flush collects the datagrams every session wants to send, plus pending
// farewells. A session whose reliable traffic went unacknowledged past the
// retransmission timeout is disconnected.
//
// Parameters:
//   - now: Current monotonic time
//
// Returns:
//   - The datagrams to send, grouped by session
func (m *Manager) Flush(now time.Duration) []Outbound {
	var out []Outbound
	for _, s := range m.all() {
		if s.State == Disconnected {
			continue
		}

		datagrams, err := s.mux.Flush(now)
		if err != nil {
			if errors.Is(err, channel.ErrRetransmissionExhausted) {
				s.logger.Warn("retransmission exhausted")
				m.end(s, ReasonRetransmission)
			}
			continue
		}

		for _, d := range datagrams {
			out = append(out, Outbound{Addr: s.Addr, Data: d})
		}
	}

	out = append(m.outbox, out...)
	m.outbox = nil

	return out
}

// Disconnect ends a Connected session from the server side and queues a
// Disconnect message for it.
//
// Parameters:
//   - id: The session to end
//
// Returns:
//   - ErrUnknownSession if no such session is Connected
func (m *Manager) Disconnect(id ID) error {
	s, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	m.end(s, ReasonKicked)
	return nil
}

// Shutdown ends every session with a shutdown notice.
func (m *Manager) Shutdown() {
	for _, s := range m.all() {
		m.end(s, ReasonShutdown)
	}
}

// Send queues payload on channel ch of session id.
//
// Returns:
//   - ErrUnknownSession if no such session is Connected, or a channel error
func (m *Manager) Send(id ID, ch protocol.ChannelID, payload []byte) error {
	s, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s.mux.Send(ch, payload)
}

// Session returns the Connected session with the given id.
func (m *Manager) Session(id ID) (*Session, bool) {
	s, ok := m.byID[id]
	return s, ok
}

// Sessions returns every Connected session ordered by id.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of Connected sessions.
func (m *Manager) Len() int {
	return len(m.byID)
}

// all returns every live session, including Connecting ones, in a stable
// order.
func (m *Manager) all() []*Session {
	out := make([]*Session, 0, len(m.byAddr))
	for _, s := range m.byAddr {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.String() < out[j].Addr.String() })
	return out
}
