package backend

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is the in-process fallback used when no Redis is
// configured. It mirrors the Redis semantics exactly so the limiter and
// cache are oblivious to which backend is active, but it coordinates
// nothing across instances.
type MemoryBackend struct {
	mu    sync.Mutex
	zsets map[string]*memZSet
	kv    map[string]memEntry

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type memZSet struct {
	members   map[string]float64
	expiresAt time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// janitorInterval bounds memory: expired keys are pruned on this cadence
// even when never touched again.
const janitorInterval = 60 * time.Second

// NewMemory creates a MemoryBackend and starts its cleanup loop.
func NewMemory() *MemoryBackend {
	b := &MemoryBackend{
		zsets: make(map[string]*memZSet),
		kv:    make(map[string]memEntry),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go b.janitor()
	return b
}

func (b *MemoryBackend) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.pruneExpired()
		}
	}
}

func (b *MemoryBackend) pruneExpired() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, zs := range b.zsets {
		if !zs.expiresAt.IsZero() && zs.expiresAt.Before(now) {
			delete(b.zsets, key)
		}
	}
	for key, e := range b.kv {
		if e.expiresAt.Before(now) {
			delete(b.kv, key)
		}
	}
}

func (b *MemoryBackend) ZAdd(_ context.Context, key, member string, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	zs, ok := b.zsets[key]
	if !ok {
		zs = &memZSet{members: make(map[string]float64)}
		b.zsets[key] = zs
	}
	zs.members[member] = score
	return nil
}

func (b *MemoryBackend) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	zs, ok := b.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range zs.members {
		if score >= min && score <= max {
			delete(zs.members, member)
		}
	}
	return nil
}

func (b *MemoryBackend) ZCard(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	zs, ok := b.zsets[key]
	if !ok {
		return 0, nil
	}
	return int64(len(zs.members)), nil
}

func (b *MemoryBackend) ZMinScore(_ context.Context, key string) (float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	zs, ok := b.zsets[key]
	if !ok || len(zs.members) == 0 {
		return 0, false, nil
	}
	first := true
	var min float64
	for _, score := range zs.members {
		if first || score < min {
			min = score
			first = false
		}
	}
	return min, true, nil
}

func (b *MemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	deadline := b.now().Add(ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	if zs, ok := b.zsets[key]; ok {
		zs.expiresAt = deadline
	}
	if e, ok := b.kv[key]; ok {
		e.expiresAt = deadline
		b.kv[key] = e
	}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || e.expiresAt.Before(b.now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = memEntry{value: value, expiresAt: b.now().Add(ttl)}
	return nil
}

func (b *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed int64
	for key := range b.kv {
		if strings.HasPrefix(key, prefix) {
			delete(b.kv, key)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Distributed() bool { return false }

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	b.once.Do(func() { close(b.stop) })
	return nil
}
