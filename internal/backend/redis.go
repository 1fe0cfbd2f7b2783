package backend

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisBackend implements Backend against a Redis instance. Every call
// carries a hard timeout so a slow or partitioned Redis degrades into
// the caller's fail-open path instead of blocking request workers.
type RedisBackend struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr" mapstructure:"addr"`
	Password    string        `yaml:"password" mapstructure:"password"`
	DB          int           `yaml:"db" mapstructure:"db"`
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// NewRedis connects to Redis and verifies reachability.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "backend: redis ping")
	}

	return &RedisBackend{client: client, timeout: timeout}, nil
}

func (b *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *RedisBackend) ZAdd(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return eris.Wrapf(err, "backend: zadd %s", key)
	}
	return nil
}

func (b *RedisBackend) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	err := b.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
	if err != nil {
		return eris.Wrapf(err, "backend: zremrangebyscore %s", key)
	}
	return nil
}

func (b *RedisBackend) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	n, err := b.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "backend: zcard %s", key)
	}
	return n, nil
}

func (b *RedisBackend) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	members, err := b.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, eris.Wrapf(err, "backend: zrange %s", key)
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	return members[0].Score, true, nil
}

func (b *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
		return eris.Wrapf(err, "backend: expire %s", key)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "backend: get %s", key)
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return eris.Wrapf(err, "backend: set %s", key)
	}
	return nil
}

// DeletePrefix scans in batches rather than KEYS so a large invalidation
// cannot stall Redis.
func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var removed int64
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return removed, eris.Wrapf(err, "backend: scan %s", prefix)
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			removed += n
			if err != nil {
				return removed, eris.Wrapf(err, "backend: del %s", prefix)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (b *RedisBackend) Distributed() bool { return true }

func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return eris.Wrap(b.client.Ping(ctx).Err(), "backend: redis ping")
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// formatScore renders a range bound the way Redis expects.
func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
