// Package ratelimit implements sliding-window admission control over the
// dual-mode backend. Decisions are globally consistent when Redis is the
// active backend; on any backend failure the limiter fails open so
// availability is never sacrificed to enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveragecheck/trust-api/internal/backend"
)

// Tier selects a (limit, window) pair from the fixed tier table.
type Tier string

const (
	// TierRead covers directory and aggregate reads.
	TierRead Tier = "read"
	// TierSubmit covers evidence submission, the tightest write path.
	TierSubmit Tier = "submit"
	// TierVote covers vote casting.
	TierVote Tier = "vote"
	// TierFallback is the stricter admission applied when the
	// bot-challenge service is unavailable and the gate is fail-open.
	TierFallback Tier = "fallback"
)

type tierLimit struct {
	Max    int
	Window time.Duration
}

var tierTable = map[Tier]tierLimit{
	TierRead:     {Max: 120, Window: time.Minute},
	TierSubmit:   {Max: 5, Window: 10 * time.Minute},
	TierVote:     {Max: 30, Window: 10 * time.Minute},
	TierFallback: {Max: 2, Window: 10 * time.Minute},
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Degraded  bool
}

// Limiter applies sliding-window rate limits keyed by (tier, client key).
type Limiter struct {
	backend backend.Backend
	stats   *backend.Stats
	now     func() time.Time
}

// New creates a Limiter over the given backend with shared stats counters.
func New(b backend.Backend, stats *backend.Stats) *Limiter {
	return &Limiter{backend: b, stats: stats, now: time.Now}
}

// Allow records a request attempt and decides admission. A true sliding
// window is used: each admitted request leaves a timestamped entry,
// entries older than the window are pruned, and the surviving count is
// compared against the tier limit. Any backend error fails open with
// Degraded set.
func (l *Limiter) Allow(ctx context.Context, tier Tier, clientKey string) Decision {
	limit, ok := tierTable[tier]
	if !ok {
		zap.L().Warn("ratelimit: unknown tier, failing open", zap.String("tier", string(tier)))
		return Decision{Allowed: true, Degraded: true}
	}

	now := l.now()
	key := fmt.Sprintf("rl:%s:%s", tier, clientKey)
	cutoff := now.Add(-limit.Window)

	if err := l.backend.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		return l.failOpen(tier, err)
	}

	count, err := l.backend.ZCard(ctx, key)
	if err != nil {
		return l.failOpen(tier, err)
	}

	degraded := !l.backend.Distributed()

	if count >= int64(limit.Max) {
		resetAt := now.Add(limit.Window)
		if oldest, ok, err := l.backend.ZMinScore(ctx, key); err == nil && ok {
			resetAt = time.Unix(0, int64(oldest)).Add(limit.Window)
		}
		l.stats.LimiterDeny()
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, Degraded: degraded}
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.New().String())
	if err := l.backend.ZAdd(ctx, key, member, float64(now.UnixNano())); err != nil {
		return l.failOpen(tier, err)
	}
	if err := l.backend.Expire(ctx, key, limit.Window); err != nil {
		zap.L().Debug("ratelimit: expire failed", zap.String("key", key), zap.Error(err))
	}

	l.stats.LimiterAllow()
	return Decision{
		Allowed:   true,
		Remaining: limit.Max - int(count) - 1,
		ResetAt:   now.Add(limit.Window),
		Degraded:  degraded,
	}
}

// RetryAfter reports how long a denied caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.IsZero() {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (l *Limiter) failOpen(tier Tier, err error) Decision {
	zap.L().Warn("ratelimit: backend error, failing open",
		zap.String("tier", string(tier)),
		zap.Error(err),
	)
	l.stats.DegradedCall()
	l.stats.LimiterAllow()
	return Decision{Allowed: true, Remaining: 0, ResetAt: l.now(), Degraded: true}
}

// Window exposes a tier's window duration for retry hints.
func Window(tier Tier) time.Duration {
	if limit, ok := tierTable[tier]; ok {
		return limit.Window
	}
	return 0
}
