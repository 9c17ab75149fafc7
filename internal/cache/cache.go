package cache

import (
	"context"
	"time"
)

// BytesCache — кэш "текущего состояния" как непрозрачных байт (JSON).
// Лучшее усилие: кэш не обязан быть всегда доступен.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
