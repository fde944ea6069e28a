package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares the two counting windows across instances via
// INCR with expiry. Redis errors fail open: a broken limiter must not
// take the API down with it.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.cfg.PerMinute > 0 {
		ok, retry, err := l.incrWindow(ctx, key, "m", time.Minute, l.cfg.PerMinute)
		if err != nil {
			return true, 0, nil
		}
		if !ok {
			return false, retry, nil
		}
	}
	if l.cfg.PerHour > 0 {
		ok, retry, err := l.incrWindow(ctx, key, "h", time.Hour, l.cfg.PerHour)
		if err != nil {
			return true, 0, nil
		}
		if !ok {
			return false, retry, nil
		}
	}
	return true, 0, nil
}

func (l *RedisLimiter) incrWindow(ctx context.Context, key, suffix string, d time.Duration, limit int) (bool, time.Duration, error) {
	k := fmt.Sprintf("ratelimit:%s:%s", key, suffix)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return true, 0, err
	}
	if count == 1 {
		l.client.Expire(ctx, k, d)
	}
	if count > int64(limit) {
		ttl, err := l.client.TTL(ctx, k).Result()
		if err != nil || ttl < 0 {
			ttl = d
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
