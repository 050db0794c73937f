package pingpong

import (
	"fmt"

	"github.com/cyberinferno/go-replicon/event"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/replication"
	"github.com/cyberinferno/go-replicon/server"
	"github.com/cyberinferno/go-replicon/session"
)

// ServerApp gives every Connected session a Counter entity and answers
// Pings.
type ServerApp struct {
	server *server.Server
	logger logger.Logger
}

// NewServerApp installs the application hooks on s.
//
// Parameters:
//   - s: The server; its hooks are replaced
//   - l: Logger; nil for none
//
// Returns:
//   - The application
func NewServerApp(s *server.Server, l logger.Logger) *ServerApp {
	if l == nil {
		l = logger.Nop()
	}

	app := &ServerApp{server: s, logger: l}
	s.SetHooks(server.Hooks{
		OnConnected:     app.connected,
		OnDisconnected:  app.disconnected,
		OnEventReceived: app.received,
	})
	return app
}

func (a *ServerApp) connected(id session.ID) {
	err := a.server.WithWorld(func(w *replication.World) error {
		_, err := w.Spawn(uint64(id), Counter{})
		return err
	})
	if err != nil {
		a.logger.Error("counter spawn failed",
			logger.Field{Key: "session_id", Value: uint64(id)},
			logger.Field{Key: "error", Value: err})
		return
	}
	a.logger.Info("client connected", logger.Field{Key: "session_id", Value: uint64(id)})
}

func (a *ServerApp) disconnected(id session.ID, reason session.DisconnectReason) {
	a.logger.Info("client disconnected",
		logger.Field{Key: "session_id", Value: uint64(id)},
		logger.Field{Key: "reason", Value: reason.String()})
}

func (a *ServerApp) received(id session.ID, e event.Event) {
	ping, ok := e.(Ping)
	if !ok {
		return
	}
	a.logger.Debug("ping received",
		logger.Field{Key: "session_id", Value: uint64(id)},
		logger.Field{Key: "message", Value: ping.Message})

	count, err := a.increment(id)
	if err != nil {
		a.logger.Warn("ping dropped",
			logger.Field{Key: "session_id", Value: uint64(id)},
			logger.Field{Key: "error", Value: err})
		return
	}

	pong := Pong{Response: fmt.Sprintf("Pong! Counter: %d", count)}
	if err := a.server.SendEvent(event.Broadcast(), pong); err != nil {
		a.logger.Error("pong broadcast failed", logger.Field{Key: "error", Value: err})
	}
}

// increment adds one to the counter of the session's entity.
func (a *ServerApp) increment(id session.ID) (uint32, error) {
	var count uint32
	err := a.server.WithWorld(func(w *replication.World) error {
		entity, ok := w.EntityOf(uint64(id))
		if !ok {
			return fmt.Errorf("%w: no counter for session %d", replication.ErrUnknownEntity, id)
		}

		c, _ := w.Get(entity, CounterKind)
		counter, _ := c.(Counter)
		counter.Count++
		count = counter.Count
		return w.Set(entity, counter)
	})
	return count, err
}

// Count returns the counter of a session's entity.
func (a *ServerApp) Count(id session.ID) (uint32, bool) {
	var (
		count uint32
		found bool
	)
	_ = a.server.WithWorld(func(w *replication.World) error {
		entity, ok := w.EntityOf(uint64(id))
		if !ok {
			return nil
		}
		c, ok := w.Get(entity, CounterKind)
		if !ok {
			return nil
		}
		count, found = c.(Counter).Count, true
		return nil
	})
	return count, found
}
