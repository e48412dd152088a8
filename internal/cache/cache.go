// Package cache provides the redis-backed cache tier and the per-session
// distributed lock.
//
// Key patterns:
//
//	session:{id}                 cached session record (TTL)
//	mcp_server:{owner}:{name}    cached MCP server config (TTL)
//	share:{token}                share token record (TTL = token lifetime)
//	lock:session:{id}            per-session lease
//
// Cache failures are never fatal to reads: callers fall back to the durable
// store and re-warm the cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent from the cache.
var ErrMiss = errors.New("cache: miss")

// Cache is a thin JSON codec over a redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to the redis URL (redis://host:port/db).
func New(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client (used by tests with miniredis-style
// fakes or a shared pool).
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// Client exposes the underlying redis client for the lock implementation.
func (c *Cache) Client() *redis.Client { return c.rdb }

// GetJSON loads key into v. Returns ErrMiss when absent.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// SetJSON stores v under key with the given TTL (0 = no expiry).
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// ScanKeys returns all keys matching the glob pattern. Used only by the
// retention janitor, never on a request path.
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// ── Key helpers ─────────────────────────────────────────────

func SessionKey(id string) string { return "session:" + id }

func MCPServerKey(owner, name string) string { return "mcp_server:" + owner + ":" + name }

func ShareKey(token string) string { return "share:" + token }

func SessionLockKey(id string) string { return "lock:session:" + id }
