package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSecondCall(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "youtube"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "youtube"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "youtube"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "cse"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterOverridesAndCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1000, Overrides: map[string]float64{"vision": 0.5}})
	require.NoError(t, l.Wait(context.Background(), "vision"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "vision"))
}

func TestUnlimitedAndNilLimiter(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "liveness"))
	}
	var none *Limiter
	require.NoError(t, none.Wait(context.Background(), "liveness"))
}
