package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisDirectory is a Directory shared through Redis. Every entry is one
// key "<prefix>:<session id>" holding the JSON entry, expiring with its TTL.
// Servers sharing a Redis use distinct prefixes.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	group  singleflight.Group
}

// NewRedisDirectory creates a directory under prefix.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	dir := NewRedisDirectory(client, "replicon:"+instanceID)
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (d *RedisDirectory) key(sessionID uint64) string {
	return d.prefix + ":" + sessionKey(sessionID)
}

// Announce implements Directory.
func (d *RedisDirectory) Announce(ctx context.Context, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := d.client.Set(ctx, d.key(e.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to announce session %d: %w", e.SessionID, err)
	}
	return nil
}

// Touch implements Directory.
func (d *RedisDirectory) Touch(ctx context.Context, sessionID uint64, ttl time.Duration) error {
	ok, err := d.client.Expire(ctx, d.key(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to touch session %d: %w", sessionID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Remove implements Directory.
func (d *RedisDirectory) Remove(ctx context.Context, sessionID uint64) error {
	if err := d.client.Del(ctx, d.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to remove session %d: %w", sessionID, err)
	}
	return nil
}

// keys scans every key under the prefix.
func (d *RedisDirectory) keys(ctx context.Context) ([]string, error) {
	var keys []string

	iter := d.client.Scan(ctx, 0, d.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// List implements Directory. Concurrent calls share one scan.
func (d *RedisDirectory) List(ctx context.Context) ([]Entry, error) {
	v, err, _ := d.group.Do("list", func() (interface{}, error) {
		return d.list(ctx)
	})
	if err != nil {
		return nil, err
	}

	entries := v.([]Entry)
	return append([]Entry(nil), entries...), nil
}

func (d *RedisDirectory) list(ctx context.Context) ([]Entry, error) {
	keys, err := d.keys(ctx)
	if err != nil || len(keys) == 0 {
		return []Entry{}, err
	}

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	out := make([]Entry, 0, len(values))
	for _, v := range values {
		// Expired between SCAN and MGET.
		s, ok := v.(string)
		if !ok {
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Count implements Directory.
func (d *RedisDirectory) Count(ctx context.Context) (int, error) {
	keys, err := d.keys(ctx)
	return len(keys), err
}

// Purge implements Directory.
func (d *RedisDirectory) Purge(ctx context.Context) (int, error) {
	keys, err := d.keys(ctx)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	deleted, err := d.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return int(deleted), nil
}

// Ping checks that Redis is reachable.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}
