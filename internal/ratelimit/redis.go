package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// RedisStore shares counters across replicas with INCR and PEXPIRE.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, win time.Duration, now time.Time) (int, time.Time, error) {
	key = keyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	// A counter without an expiry opened this window, or lost its TTL.
	remaining := ttl.Val()
	if incr.Val() == 1 || remaining < 0 {
		if err := s.client.PExpire(ctx, key, win).Err(); err != nil {
			return 0, time.Time{}, err
		}
		remaining = win
	}
	return int(incr.Val()), now.Add(remaining), nil
}
