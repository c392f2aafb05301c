package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *countingFetcher) inc(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *countingFetcher) FetchChannelByID(_ context.Context, id string) (botnet.ChannelMetadata, error) {
	f.inc("id")
	if f.err != nil {
		return botnet.ChannelMetadata{}, f.err
	}
	return botnet.ChannelMetadata{ID: id, Title: "Title " + id, SubscriberCount: 7}, nil
}

func (f *countingFetcher) FetchChannelByHandle(_ context.Context, handle string) (botnet.ChannelMetadata, error) {
	f.inc("handle")
	return botnet.ChannelMetadata{ID: "UCfrom" + handle[1:], Handle: handle}, nil
}

func (f *countingFetcher) FetchVideo(_ context.Context, id string) (botnet.Video, error) {
	f.inc("video")
	return botnet.Video{ID: id, ChannelID: "UCowner", Tags: []string{"x"}}, nil
}

func (f *countingFetcher) FetchCommentsPage(_ context.Context, req botnet.CommentPageRequest) (botnet.CommentPage, error) {
	f.inc("comments")
	return botnet.CommentPage{Comments: []botnet.Comment{{ID: "c1", VideoID: req.VideoID}}}, nil
}

func TestChannelByIDIsServedFromCache(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	kv := newMemKV()
	c := NewMetadataCache(next, kv, 0, 0, nil)

	first, err := c.FetchChannelByID(context.Background(), "UC1")
	require.NoError(t, err)
	second, err := c.FetchChannelByID(context.Background(), "UC1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, next.calls["id"])
	require.Equal(t, DefaultChannelTTL, kv.ttls["botnet:channel:id:UC1"])
}

func TestHandleLookupWarmsIDKey(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	c := NewMetadataCache(next, newMemKV(), time.Minute, 0, nil)

	md, err := c.FetchChannelByHandle(context.Background(), "@Spam")
	require.NoError(t, err)
	require.Equal(t, "UCfromSpam", md.ID)

	_, err = c.FetchChannelByHandle(context.Background(), "@spam")
	require.NoError(t, err)
	_, err = c.FetchChannelByID(context.Background(), "UCfromSpam")
	require.NoError(t, err)

	require.Equal(t, 1, next.calls["handle"])
	require.Zero(t, next.calls["id"])
}

func TestVideoUsesVideoTTL(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	kv := newMemKV()
	c := NewMetadataCache(next, kv, 0, 2*time.Minute, nil)

	for i := 0; i < 3; i++ {
		v, err := c.FetchVideo(context.Background(), "vid")
		require.NoError(t, err)
		require.Equal(t, []string{"x"}, v.Tags)
	}
	require.Equal(t, 1, next.calls["video"])
	require.Equal(t, 2*time.Minute, kv.ttls["botnet:video:vid"])
}

func TestErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{err: botnet.NotFoundError("channels.list", errors.New("missing"))}
	kv := newMemKV()
	c := NewMetadataCache(next, kv, 0, 0, nil)

	_, err := c.FetchChannelByID(context.Background(), "UCgone")
	require.ErrorIs(t, err, botnet.ErrNotFound)
	_, err = c.FetchChannelByID(context.Background(), "UCgone")
	require.ErrorIs(t, err, botnet.ErrNotFound)
	require.Equal(t, 2, next.calls["id"])
	require.Empty(t, kv.data)
}

func TestCacheFailuresFallBackToUpstream(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	kv := newMemKV()
	kv.getErr = errors.New("connection reset")
	kv.setErr = errors.New("connection reset")
	c := NewMetadataCache(next, kv, 0, 0, nil)

	md, err := c.FetchChannelByID(context.Background(), "UC1")
	require.NoError(t, err)
	require.Equal(t, "UC1", md.ID)

	kv.getErr = nil
	kv.data["botnet:channel:id:UC2"] = []byte("{not json")
	md, err = c.FetchChannelByID(context.Background(), "UC2")
	require.NoError(t, err)
	require.Equal(t, "UC2", md.ID)
	require.Equal(t, 2, next.calls["id"])
}

func TestCommentPagesBypassCache(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	kv := newMemKV()
	c := NewMetadataCache(next, kv, 0, 0, nil)

	for i := 0; i < 2; i++ {
		page, err := c.FetchCommentsPage(context.Background(), botnet.CommentPageRequest{VideoID: "v"})
		require.NoError(t, err)
		require.Len(t, page.Comments, 1)
	}
	require.Equal(t, 2, next.calls["comments"])
	require.Empty(t, kv.data)
}

func TestNewRedisKVRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisKV(context.Background(), "not-a-redis-url")
	require.Error(t, err)
}
