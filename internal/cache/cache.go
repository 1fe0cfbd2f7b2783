// Package cache implements the read-through cache for expensive
// aggregate reads. It shares the dual-mode backend with the rate limiter
// and carries the same fail-open contract: a backend error on Get is a
// miss, and Set/Invalidate are best-effort.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/coveragecheck/trust-api/internal/backend"
)

// DefaultTTL is the eventual-consistency backstop: even when an
// invalidation is lost, entries age out on this horizon.
const DefaultTTL = 300 * time.Second

// keyPrefix namespaces cache entries away from limiter windows in the
// shared backend.
const keyPrefix = "cache:"

var fold = cases.Fold()

// Cache is a read-through cache over the dual-mode backend.
type Cache struct {
	backend backend.Backend
	stats   *backend.Stats
	group   singleflight.Group
	ttl     time.Duration
}

// New creates a Cache with the given default TTL (DefaultTTL when zero).
func New(b backend.Backend, stats *backend.Stats, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{backend: b, stats: stats, ttl: ttl}
}

// Key builds a deterministic cache key from normalized parts. Parts are
// case-folded and whitespace-trimmed so semantically identical queries
// collide on the same key; this is what makes Invalidate(prefix)
// sweep every entry a write touched.
func Key(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		normalized = append(normalized, fold.String(strings.TrimSpace(p)))
	}
	return keyPrefix + strings.Join(normalized, ":")
}

// SearchKey builds a key for parameterized search-style reads. Parameter
// order does not affect the key.
func SearchKey(scope string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, scope)
	for _, name := range names {
		parts = append(parts, name+"="+params[name])
	}
	return Key(parts...)
}

// Get returns the cached value for key. A backend error counts as a miss
// so callers always recompute rather than fail.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache: get failed, treating as miss", zap.String("key", key), zap.Error(err))
		c.stats.CacheError()
		c.stats.DegradedCall()
		return nil, false
	}
	if !ok {
		c.stats.CacheMiss()
		return nil, false
	}
	c.stats.CacheHit()
	return value, true
}

// Set stores value under key for the default TTL. Errors are logged and
// swallowed; the entry simply is not cached.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	c.SetTTL(ctx, key, value, c.ttl)
}

// SetTTL stores value under key with an explicit TTL.
func (c *Cache) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		zap.L().Warn("cache: set failed", zap.String("key", key), zap.Error(err))
		c.stats.CacheError()
		c.stats.DegradedCall()
	}
}

// GetOrFill returns the cached value for key, computing and storing it on
// a miss. Concurrent misses on the same key compute once.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another caller may have filled while we queued.
		if value, ok := c.Get(ctx, key); ok {
			return value, nil
		}
		value, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate removes every entry whose key begins with the given
// (already-built) key prefix. Best-effort: failures are logged, and the
// TTL backstop bounds staleness.
func (c *Cache) Invalidate(ctx context.Context, prefix string) {
	removed, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		zap.L().Warn("cache: invalidate failed", zap.String("prefix", prefix), zap.Error(err))
		c.stats.CacheError()
		c.stats.DegradedCall()
		return
	}
	c.stats.Invalidation()
	zap.L().Debug("cache: invalidated", zap.String("prefix", prefix), zap.Int64("removed", removed))
}
