package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecheck/trust-api/internal/backend"
)

func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	be := backend.NewMemory()
	t.Cleanup(func() { be.Close() })

	l := New(be, backend.NewStats())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Allow(ctx, TierSubmit, "10.0.0.1")
		require.True(t, d.Allowed, "request %d within limit", i+1)
		assert.Equal(t, 5-i-1, d.Remaining)
	}

	d := l.Allow(ctx, TierSubmit, "10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.False(t, d.ResetAt.IsZero())
}

func TestAllowIsolatesClients(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
	}
	assert.False(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
	assert.True(t, l.Allow(ctx, TierSubmit, "10.0.0.2").Allowed, "other clients unaffected")
}

func TestAllowIsolatesTiers(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
	}
	assert.False(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
	assert.True(t, l.Allow(ctx, TierVote, "10.0.0.1").Allowed, "vote tier has its own window")
}

func TestAllowSlidingWindow(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
	}
	require.False(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)

	// Advance past the window: the old entries prune out.
	*now = now.Add(10*time.Minute + time.Second)
	assert.True(t, l.Allow(ctx, TierSubmit, "10.0.0.1").Allowed)
}

func TestRetryAfter(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, TierSubmit, "10.0.0.1")
	}
	d := l.Allow(ctx, TierSubmit, "10.0.0.1")
	require.False(t, d.Allowed)

	wait := d.RetryAfter(*now)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 10*time.Minute)
}

func TestUnknownTierFailsOpen(t *testing.T) {
	l, _ := newTestLimiter(t)

	d := l.Allow(context.Background(), Tier("bogus"), "10.0.0.1")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

// errBackend fails every call, standing in for an unreachable Redis.
type errBackend struct{}

var errDown = errors.New("backend down")

func (errBackend) ZAdd(context.Context, string, string, float64) error    { return errDown }
func (errBackend) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return errDown
}
func (errBackend) ZCard(context.Context, string) (int64, error)             { return 0, errDown }
func (errBackend) ZMinScore(context.Context, string) (float64, bool, error) { return 0, false, errDown }
func (errBackend) Expire(context.Context, string, time.Duration) error     { return errDown }
func (errBackend) Get(context.Context, string) ([]byte, bool, error)       { return nil, false, errDown }
func (errBackend) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (errBackend) DeletePrefix(context.Context, string) (int64, error)     { return 0, errDown }
func (errBackend) Distributed() bool                                       { return true }
func (errBackend) Ping(context.Context) error                              { return errDown }
func (errBackend) Close() error                                            { return nil }

func TestBackendFailureFailsOpen(t *testing.T) {
	stats := backend.NewStats()
	l := New(errBackend{}, stats)

	d := l.Allow(context.Background(), TierSubmit, "10.0.0.1")
	assert.True(t, d.Allowed, "enforcement is never worth an outage")
	assert.True(t, d.Degraded)
	assert.Positive(t, stats.Snapshot().DegradedCalls)
}
