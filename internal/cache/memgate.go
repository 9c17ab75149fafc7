package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryFetchGate — процессное окно опросов без внешнего хранилища.
// Холодный рестарт сбрасывает окна, это осознанный размен на простоту.
type MemoryFetchGate struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryFetchGate() *MemoryFetchGate {
	return &MemoryFetchGate{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *MemoryFetchGate) Allow(_ context.Context, trackingNumber string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if t, ok := g.last[trackingNumber]; ok && now.Sub(t) < window {
		return false, nil
	}
	g.last[trackingNumber] = now
	return true, nil
}
