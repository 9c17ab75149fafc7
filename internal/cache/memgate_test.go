package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryFetchGate_window(t *testing.T) {
	now := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)
	g := NewMemoryFetchGate()
	g.now = func() time.Time { return now }

	ctx := context.Background()
	ok, err := g.Allow(ctx, "X", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(4 * time.Minute)
	ok, _ = g.Allow(ctx, "X", 5*time.Minute)
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Allow(ctx, "X", 5*time.Minute)
	require.True(t, ok)
}
