// Package backend provides the dual-mode key/value and sorted-set store
// shared by the rate limiter and the read-through cache. A Redis-backed
// implementation coordinates across process instances; a mutex-guarded
// in-process implementation serves as the fallback when no Redis is
// configured. Both expose identical semantics so callers never branch on
// which is active, and callers are expected to fail open on any error.
package backend

import (
	"context"
	"time"
)

// Backend is the storage contract for the limiter and cache. Sorted-set
// operations back the sliding windows; the flat Get/Set/DeletePrefix ops
// back the cache.
type Backend interface {
	// ZAdd inserts member into the sorted set at key with the given score.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZRemRangeByScore removes members with scores in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZMinScore returns the lowest score in the set, or ok=false when the
	// set is empty.
	ZMinScore(ctx context.Context, key string) (score float64, ok bool, err error)

	// Expire bounds the lifetime of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the value at key, or ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value at key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes every key beginning with prefix and reports how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Distributed reports whether the backend coordinates across process
	// instances. The in-process fallback returns false, which surfaces as
	// degraded=true on limiter decisions.
	Distributed() bool

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
