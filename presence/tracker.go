package presence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cyberinferno/go-replicon/logger"
	"github.com/cyberinferno/go-replicon/safemap"
	"github.com/cyberinferno/go-replicon/session"
)

// DefaultTTL is how long an entry lives without a refresh.
const DefaultTTL = 30 * time.Second

type op struct {
	entry  Entry
	remove bool
}

// Tracker mirrors the session manager's Connected sessions into a
// Directory. It is a session.Subscriber: lifecycle notifications are queued
// without blocking the tick and written to the directory by Run.
type Tracker struct {
	dir      Directory
	instance string
	ttl      time.Duration
	logger   logger.Logger
	clock    func() time.Time

	live *safemap.SafeMap[uint64, Entry]
	ops  chan op
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTTL sets the entry TTL. Run refreshes entries every third of it.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(l logger.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithQueueSize sets how many lifecycle changes may wait for Run.
func WithQueueSize(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.ops = make(chan op, n)
		}
	}
}

// NewTracker creates a tracker writing to dir.
//
// Parameters:
//   - dir: The directory
//   - instance: The server instance id recorded in every entry
//   - opts: TTL, logger and queue size
//
// Returns:
//   - A tracker; register it with the session manager and call Run
func NewTracker(dir Directory, instance string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		dir:      dir,
		instance: instance,
		ttl:      DefaultTTL,
		logger:   logger.Nop(),
		clock:    time.Now,
		live:     safemap.NewSafeMap[uint64, Entry](),
		ops:      make(chan op, 256),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionConnected implements session.Subscriber.
func (t *Tracker) SessionConnected(s *session.Session) {
	e := Entry{
		SessionID:   uint64(s.ID),
		ClientID:    s.ClientID,
		Addr:        s.Addr.String(),
		Instance:    t.instance,
		ConnectedAt: t.clock().UTC(),
	}
	t.live.Store(e.SessionID, e)
	t.enqueue(op{entry: e})
}

// SessionDisconnected implements session.Subscriber.
func (t *Tracker) SessionDisconnected(s *session.Session, _ session.DisconnectReason) {
	e, ok := t.live.LoadAndDelete(uint64(s.ID))
	if !ok {
		return
	}
	t.enqueue(op{entry: e, remove: true})
}

// enqueue never blocks. A dropped announcement is repaired by the next
// refresh; a dropped removal expires with the TTL.
func (t *Tracker) enqueue(o op) {
	select {
	case t.ops <- o:
	default:
		t.logger.Warn("presence queue full, change deferred",
			logger.Field{Key: "session_id", Value: o.entry.SessionID},
			logger.Field{Key: "remove", Value: o.remove})
	}
}

// Sessions returns the entries the tracker believes are live, ordered by
// session id.
func (t *Tracker) Sessions() []Entry {
	out := t.live.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Directory returns the directory written by the tracker.
func (t *Tracker) Directory() Directory {
	return t.dir
}

// Run writes queued changes and refreshes live entries until ctx is
// cancelled, then purges the directory.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.purge()
			return nil
		case o := <-t.ops:
			t.apply(ctx, o)
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, o op) {
	var err error
	if o.remove {
		err = t.dir.Remove(ctx, o.entry.SessionID)
	} else {
		err = t.dir.Announce(ctx, o.entry, t.ttl)
	}
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("presence update failed",
			logger.Field{Key: "session_id", Value: o.entry.SessionID},
			logger.Field{Key: "error", Value: err})
	}
}

// refresh extends every live entry and re-announces the ones the directory
// lost.
func (t *Tracker) refresh(ctx context.Context) {
	for _, e := range t.live.Values() {
		err := t.dir.Touch(ctx, e.SessionID, t.ttl)
		if errors.Is(err, ErrNotFound) {
			err = t.dir.Announce(ctx, e, t.ttl)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("presence refresh failed",
				logger.Field{Key: "session_id", Value: e.SessionID},
				logger.Field{Key: "error", Value: err})
		}
	}
}

func (t *Tracker) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := t.dir.Purge(ctx)
	if err != nil {
		t.logger.Warn("presence purge failed", logger.Field{Key: "error", Value: err})
		return
	}
	t.live.Clear()
	t.logger.Debug("presence purged", logger.Field{Key: "entries", Value: n})
}
