package pingpong

import (
	"errors"
	"sync"
	"time"

	"github.com/cyberinferno/go-replicon/client"
	"github.com/cyberinferno/go-replicon/event"
	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/replication"
)

// DefaultPingInterval is how often a client pings.
const DefaultPingInterval = 2 * time.Second

// ClientApp pings the server on a timer and records the Pongs it receives.
type ClientApp struct {
	client   *client.Client
	logger   logger.Logger
	interval time.Duration
	message  string

	mu    sync.Mutex
	timer time.Duration
	sent  int
	pongs []string
}

// NewClientApp installs the update and event handlers on c.
//
// Parameters:
//   - c: The client; its update and event handlers are replaced
//   - interval: Time between Pings; zero uses DefaultPingInterval
//   - message: The Ping message
//   - l: Logger; nil for none
//
// Returns:
//   - The application
func NewClientApp(c *client.Client, interval time.Duration, message string, l logger.Logger) *ClientApp {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if l == nil {
		l = logger.Nop()
	}

	app := &ClientApp{client: c, logger: l, interval: interval, message: message}
	c.OnUpdate(app.update)
	c.OnEvent(app.received)
	return app
}

// update advances the ping timer. The timer only runs while Connected.
func (a *ClientApp) update(dt time.Duration) {
	if a.client.State() != client.Connected {
		return
	}

	a.mu.Lock()
	a.timer += dt
	due := a.timer >= a.interval
	if due {
		a.timer = 0
	}
	a.mu.Unlock()

	if due {
		if err := a.Ping(a.message); err != nil {
			a.logger.Warn("ping failed", logger.Field{Key: "error", Value: err})
		}
	}
}

func (a *ClientApp) received(e event.Event) {
	pong, ok := e.(Pong)
	if !ok {
		return
	}
	fields := []logger.Field{{Key: "response", Value: pong.Response}}
	if count, ok := a.Counter(); ok {
		fields = append(fields, logger.Field{Key: "counter", Value: count})
	}
	a.logger.Info("pong received", fields...)

	a.mu.Lock()
	a.pongs = append(a.pongs, pong.Response)
	a.mu.Unlock()
}

// Ping queues a Ping now.
//
// Returns:
//   - client.ErrNotConnected unless Connected
func (a *ClientApp) Ping(message string) error {
	if err := a.client.SendEvent(Ping{Message: message}); err != nil {
		if !errors.Is(err, client.ErrNotConnected) {
			a.logger.Error("ping rejected", logger.Field{Key: "error", Value: err})
		}
		return err
	}

	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	return nil
}

// Sent returns the number of Pings queued.
func (a *ClientApp) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// Pongs returns the responses received so far.
func (a *ClientApp) Pongs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.pongs...)
}

// Counter returns the replicated counter of this client's entity.
func (a *ClientApp) Counter() (uint32, bool) {
	id := a.client.SessionID()
	if id == 0 {
		return 0, false
	}

	mirror := a.client.Mirror()
	for _, entity := range mirror.OwnedBy(uint64(id)) {
		if c, ok := replication.Lookup[Counter](mirror, entity); ok {
			return c.Count, true
		}
	}
	return 0, false
}
