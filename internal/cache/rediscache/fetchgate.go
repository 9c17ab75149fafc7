package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// FetchGate реализует окно "не чаще одного живого опроса на трек-номер
// за window" через SET NX с TTL. Ключ живёт window; пока он есть,
// повторные опросы — no-op. Рестарт процесса с пустым redis просто
// сбрасывает окна — допустимая цена.
type FetchGate struct {
	c *redis.Client
}

func NewFetchGate(addr string) *FetchGate {
	return &FetchGate{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (g *FetchGate) Allow(ctx context.Context, trackingNumber string, window time.Duration) (bool, error) {
	ok, err := g.c.SetNX(ctx, "fetchwindow:"+trackingNumber, 1, window).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis fetch window")
	}
	return ok, nil
}
