package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

func TestDoRetriesFetchErrors(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, time.Millisecond, 2*time.Millisecond)
	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", botnet.FetchError("page", errors.New("503"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentErrors(t *testing.T) {
	t.Parallel()

	p := NewPolicy(5, time.Millisecond, time.Millisecond)
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, botnet.FetchError("channel", botnet.NotFoundError("channel", errors.New("gone")))
	})
	require.ErrorIs(t, err, botnet.ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := NewPolicy(2, time.Millisecond, time.Millisecond)
	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, botnet.FetchError("page", errors.New("timeout"))
	})
	require.ErrorIs(t, err, botnet.ErrFetch)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, NoRetry().MaxAttempts())
}

func TestBackOffBounds(t *testing.T) {
	t.Parallel()

	b := NewPolicy(3, 100*time.Millisecond, 400*time.Millisecond).newBackOff()
	for range 6 {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestDoReturnsLastErrorWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(5, time.Hour, time.Hour)
	calls := 0
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, botnet.FetchError("page", errors.New("503"))
	})
	require.ErrorIs(t, err, botnet.ErrFetch)
	require.Equal(t, 1, calls)
}

func TestDoUnwrapsNonRetryableError(t *testing.T) {
	t.Parallel()

	cause := botnet.ValidationError("channel", errors.New("empty"))
	_, err := Do(context.Background(), NewPolicy(3, time.Millisecond, time.Millisecond), func(context.Context) (int, error) {
		return 0, cause
	})
	require.Same(t, cause, err)
}
