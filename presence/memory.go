package presence

import (
	"context"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryDirectory is an in-process Directory backed by go-cache.
type MemoryDirectory struct {
	cache *cache.Cache
}

// NewMemoryDirectory creates an empty directory.
//
// Parameters:
//   - cleanupInterval: Interval at which expired entries are removed
//
// Returns:
//   - A new MemoryDirectory
func NewMemoryDirectory(cleanupInterval time.Duration) *MemoryDirectory {
	return &MemoryDirectory{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

func done(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Announce implements Directory.
func (d *MemoryDirectory) Announce(ctx context.Context, e Entry, ttl time.Duration) error {
	if err := done(ctx); err != nil {
		return err
	}
	d.cache.Set(sessionKey(e.SessionID), e, ttl)
	return nil
}

// Touch implements Directory.
func (d *MemoryDirectory) Touch(ctx context.Context, sessionID uint64, ttl time.Duration) error {
	if err := done(ctx); err != nil {
		return err
	}

	key := sessionKey(sessionID)
	v, found := d.cache.Get(key)
	if !found {
		return ErrNotFound
	}
	d.cache.Set(key, v, ttl)
	return nil
}

// Remove implements Directory.
func (d *MemoryDirectory) Remove(ctx context.Context, sessionID uint64) error {
	if err := done(ctx); err != nil {
		return err
	}
	d.cache.Delete(sessionKey(sessionID))
	return nil
}

// List implements Directory.
func (d *MemoryDirectory) List(ctx context.Context) ([]Entry, error) {
	if err := done(ctx); err != nil {
		return nil, err
	}

	items := d.cache.Items()
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		if e, ok := item.Object.(Entry); ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Count implements Directory.
func (d *MemoryDirectory) Count(ctx context.Context) (int, error) {
	if err := done(ctx); err != nil {
		return 0, err
	}
	// ItemCount includes expired entries not yet cleaned up.
	return len(d.cache.Items()), nil
}

// Purge implements Directory.
func (d *MemoryDirectory) Purge(ctx context.Context) (int, error) {
	if err := done(ctx); err != nil {
		return 0, err
	}
	n := len(d.cache.Items())
	d.cache.Flush()
	return n, nil
}
