package botnet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("crawl UC1: %w", FetchError("fetch channel", errors.New("503")))
	require.ErrorIs(t, err, ErrFetch)
	require.NotErrorIs(t, err, ErrStorage)
	require.Equal(t, KindFetch, KindOf(err))
	require.Equal(t, "crawl UC1: fetch channel: 503", err.Error())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(FetchError("page", errors.New("timeout"))))
	require.False(t, Retryable(nil))
	require.False(t, Retryable(StorageError("write", errors.New("boom"))))
	require.False(t, Retryable(FetchError("channel", NotFoundError("channel", errors.New("no items")))))
	require.False(t, Retryable(FetchError("page", context.Canceled)))
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	out := Failed("UC1", ResolutionError("resolve", errors.New("bad")))
	require.Equal(t, OutcomeFailed, out.Status)
	require.Equal(t, string(KindResolution), out.Kind)
}
