package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *MemoryBackend {
	t.Helper()
	b := NewMemory()
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMemoryZSetOperations(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, b.ZAdd(ctx, "w", "a", 1))
	require.NoError(t, b.ZAdd(ctx, "w", "b", 2))
	require.NoError(t, b.ZAdd(ctx, "w", "c", 3))

	count, err := b.ZCard(ctx, "w")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	minScore, ok, err := b.ZMinScore(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, minScore)

	require.NoError(t, b.ZRemRangeByScore(ctx, "w", 0, 2))
	count, err = b.ZCard(ctx, "w")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	minScore, ok, err = b.ZMinScore(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, minScore)
}

func TestMemoryZAddUpdatesScore(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, b.ZAdd(ctx, "w", "a", 1))
	require.NoError(t, b.ZAdd(ctx, "w", "a", 5))

	count, err := b.ZCard(ctx, "w")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "re-adding a member must not duplicate it")

	minScore, ok, err := b.ZMinScore(ctx, "w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, minScore)
}

func TestMemoryZMinScoreEmpty(t *testing.T) {
	b := newTestMemory(t)

	_, ok, err := b.ZMinScore(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKVRoundTrip(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestMemoryKVExpiry(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entries past TTL must not be served")
}

func TestMemoryDeletePrefix(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "cache:agg:p1:a", []byte("1"), time.Minute))
	require.NoError(t, b.Set(ctx, "cache:agg:p1:b", []byte("2"), time.Minute))
	require.NoError(t, b.Set(ctx, "cache:agg:p2:a", []byte("3"), time.Minute))

	removed, err := b.DeletePrefix(ctx, "cache:agg:p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, ok, err := b.Get(ctx, "cache:agg:p2:a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryNotDistributed(t *testing.T) {
	b := newTestMemory(t)
	assert.False(t, b.Distributed())
	assert.NoError(t, b.Ping(context.Background()))
}

func TestMemoryCloseIdempotent(t *testing.T) {
	b := NewMemory()
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
