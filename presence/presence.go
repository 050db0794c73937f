// Package presence publishes the sessions a server holds to a directory
// other processes can read. The directory is an operational view only; the
// session manager stays authoritative.
package presence

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned by Touch for a session that is not listed.
var ErrNotFound = errors.New("presence: session not found")

// Entry describes one Connected session.
type Entry struct {
	SessionID   uint64    `json:"session_id"`
	ClientID    uint64    `json:"client_id"`
	Addr        string    `json:"addr"`
	Instance    string    `json:"instance"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory stores presence entries with a TTL, so entries of a crashed
// server disappear on their own.
type Directory interface {
	// Announce lists a session, replacing any previous entry.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - e: The entry
	//   - ttl: How long the entry lives without a Touch
	Announce(ctx context.Context, e Entry, ttl time.Duration) error

	// Touch extends the TTL of a listed session.
	//
	// Returns:
	//   - ErrNotFound if the entry expired or was never announced
	Touch(ctx context.Context, sessionID uint64, ttl time.Duration) error

	// Remove unlists a session. Removing an unknown session is not an error.
	Remove(ctx context.Context, sessionID uint64) error

	// List returns every live entry ordered by session id.
	List(ctx context.Context) ([]Entry, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int, error)

	// Purge removes every entry and returns how many were removed.
	Purge(ctx context.Context) (int, error)
}

func sessionKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
