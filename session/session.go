// Package session tracks the lifecycle of every remote client on the server:
// handshake, liveness, disconnection and the publication of those
// transitions to the replication engine and the application.
package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/go-replicon/channel"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/protocol"
)

var (
	// ErrProtocolMismatch is returned when a handshake carries a different
	// protocol id.
	ErrProtocolMismatch = errors.New("session: protocol mismatch")

	// ErrSessionTimeout is the cause of a disconnect by silence or by
	// retransmission exhaustion.
	ErrSessionTimeout = errors.New("session: timeout")

	// ErrServerFull is returned when the session limit is reached.
	ErrServerFull = errors.New("session: server full")

	// ErrDuplicateClient is returned when a client id belongs to a live or
	// recently ended session.
	ErrDuplicateClient = errors.New("session: duplicate client id")

	// ErrUnauthorized is returned when the authenticator refuses a client.
	ErrUnauthorized = errors.New("session: unauthorized")

	// ErrInsecureAuthDisabled is returned by NewManager when the insecure
	// authenticator is configured but not explicitly allowed.
	ErrInsecureAuthDisabled = errors.New("session: insecure authentication disabled")

	// ErrUnknownSession is returned for operations on a session id that is
	// not Connected.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrPeerDisconnected is the cause of a disconnect requested by the peer.
	ErrPeerDisconnected = errors.New("session: disconnected by peer")

	// ErrClosedByServer is the cause of a kick or a shutdown.
	ErrClosedByServer = errors.New("session: closed by server")
)

// ID identifies a session. It equals the client id the session was opened
// with and is never zero.
type ID uint64

// State is the lifecycle state of a session.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DisconnectReason tells subscribers why a session ended.
type DisconnectReason int

const (
	ReasonRequested DisconnectReason = iota + 1
	ReasonTimeout
	ReasonRetransmission
	ReasonKicked
	ReasonShutdown
)

// String returns the reason name.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonTimeout:
		return "timeout"
	case ReasonRetransmission:
		return "retransmission_exhausted"
	case ReasonKicked:
		return "kicked"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Err returns the error describing the reason. Retransmission exhaustion
// matches both ErrSessionTimeout and channel.ErrRetransmissionExhausted.
func (r DisconnectReason) Err() error {
	switch r {
	case ReasonRequested:
		return ErrPeerDisconnected
	case ReasonTimeout:
		return ErrSessionTimeout
	case ReasonRetransmission:
		return fmt.Errorf("%w: %w", ErrSessionTimeout, channel.ErrRetransmissionExhausted)
	case ReasonKicked, ReasonShutdown:
		return fmt.Errorf("%w: %s", ErrClosedByServer, r)
	default:
		return fmt.Errorf("session: %s", r)
	}
}

// ReasonFromCode maps a Disconnect control message to the reason seen by
// the side receiving it.
func ReasonFromCode(code protocol.DisconnectCode) DisconnectReason {
	switch code {
	case protocol.DisconnectShutdown:
		return ReasonShutdown
	case protocol.DisconnectKicked:
		return ReasonKicked
	default:
		return ReasonRequested
	}
}

func (r DisconnectReason) code() protocol.DisconnectCode {
	switch r {
	case ReasonShutdown:
		return protocol.DisconnectShutdown
	case ReasonKicked:
		return protocol.DisconnectKicked
	default:
		return protocol.DisconnectRequested
	}
}

// Session is the server-side record of one client. Its fields are owned by
// the Manager and must only be read from the tick (or under the server lock).
type Session struct {
	ID           ID
	ClientID     uint64
	Addr         net.Addr
	State        State
	CreatedAt    time.Duration
	ConnectedAt  time.Duration
	LastActivity time.Duration

	mux    *channel.Mux
	logger logger.Logger
}

// Send queues payload on channel ch of this session.
func (s *Session) Send(ch protocol.ChannelID, payload []byte) error {
	if s.State != Connected {
		return fmt.Errorf("%w: %d is %s", ErrUnknownSession, s.ID, s.State)
	}
	return s.mux.Send(ch, payload)
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() logger.Logger {
	return s.logger
}

// Subscriber observes session lifecycle transitions. Both methods run on the
// tick; SessionDisconnected runs exactly once per connected session.
type Subscriber interface {
	SessionConnected(s *Session)
	SessionDisconnected(s *Session, reason DisconnectReason)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are skipped.
type SubscriberFuncs struct {
	Connected    func(s *Session)
	Disconnected func(s *Session, reason DisconnectReason)
}

// SessionConnected implements Subscriber.
func (f SubscriberFuncs) SessionConnected(s *Session) {
	if f.Connected != nil {
		f.Connected(s)
	}
}

// SessionDisconnected implements Subscriber.
func (f SubscriberFuncs) SessionDisconnected(s *Session, reason DisconnectReason) {
	if f.Disconnected != nil {
		f.Disconnected(s, reason)
	}
}
