package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter — счётчик с фиксированным окном. Для поминутных квот на
// перевозчика этого достаточно: окно задаёт сам ключ, TTL лишь убирает
// мусор за собой.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// MinuteKey строит ключ поминутного окна, например
// "rl:carrier:UPS:202608301142". Все воркеры считают в один ключ.
func MinuteKey(scope string, t time.Time) string {
	return fmt.Sprintf("rl:%s:%s", scope, t.UTC().Format("200601021504"))
}

// Allow инкрементит счётчик по ключу и возвращает (allowed, currentCount).
// TTL ставится только при создании ключа (ExpireNX), чтобы окно не
// уезжало с каждым запросом.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}


