package comments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/clock/system"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
	"github.com/JakeFAU/botnet-tracker/internal/storage/memory"
)

var now = time.Date(2024, 6, 12, 13, 45, 0, 0, time.UTC)

// pagedMeta serves comment pages keyed by page token.
type pagedMeta struct {
	mu       sync.Mutex
	pages    map[string]botnet.CommentPage
	failOn   string
	requests []botnet.CommentPageRequest
	handles  map[string]string
}

func (p *pagedMeta) FetchChannelByID(context.Context, string) (botnet.ChannelMetadata, error) {
	return botnet.ChannelMetadata{}, nil
}

func (p *pagedMeta) FetchChannelByHandle(_ context.Context, handle string) (botnet.ChannelMetadata, error) {
	id, ok := p.handles[handle]
	if !ok {
		return botnet.ChannelMetadata{}, botnet.NotFoundError("channels.list", errors.New("no items"))
	}
	return botnet.ChannelMetadata{ID: id}, nil
}

func (p *pagedMeta) FetchVideo(context.Context, string) (botnet.Video, error) {
	return botnet.Video{}, nil
}

func (p *pagedMeta) FetchCommentsPage(_ context.Context, req botnet.CommentPageRequest) (botnet.CommentPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.failOn != "" && req.PageToken == p.failOn {
		return botnet.CommentPage{}, errors.New("quota exceeded")
	}
	return p.pages[req.PageToken], nil
}

type recordingAdder struct {
	calls []string
}

func (r *recordingAdder) AddVideo(_ context.Context, id string) (botnet.Video, error) {
	r.calls = append(r.calls, id)
	return botnet.Video{ID: id}, nil
}

func comment(id, author string, likes int64) botnet.Comment {
	return botnet.Comment{ID: id, ChannelID: author, Text: "text " + id, LikeCount: likes, PostedAt: now}
}

func newScanner(store *memory.GraphStore, meta *pagedMeta, adder VideoAdder, cfg Config) *Scanner {
	return New(store, meta, adder, system.NewFixed(now), retry.NoRetry(), cfg, nil)
}

func TestScanRetainsOnlyWatchedAuthors(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	meta := &pagedMeta{pages: map[string]botnet.CommentPage{
		"": {Comments: []botnet.Comment{comment("k1", "c1", 3), comment("k3", "c3", 9)}},
	}}
	adder := &recordingAdder{}
	s := newScanner(store, meta, adder, Config{})

	res, err := s.Scan(context.Background(), "v1", []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, res.Comments, 1)
	require.Equal(t, "c1", res.Comments[0].ChannelID)
	require.Equal(t, "v1", res.Comments[0].VideoID)
	require.False(t, res.Partial)

	stored := store.Comments()
	require.Len(t, stored, 1)
	require.Contains(t, stored, "k1")
	require.NotContains(t, stored, "k3")

	require.Equal(t, []string{"v1"}, adder.calls)
	video, ok := store.Video("v1")
	require.True(t, ok)
	require.Equal(t, now, video.ScannedAt)
}

func TestScanFollowsContinuationTokensUpToLimit(t *testing.T) {
	t.Parallel()

	meta := &pagedMeta{pages: map[string]botnet.CommentPage{
		"":   {Comments: []botnet.Comment{comment("a", "c1", 0)}, NextPageToken: "p2"},
		"p2": {Comments: []botnet.Comment{comment("b", "c1", 0)}, NextPageToken: "p3"},
		"p3": {Comments: []botnet.Comment{comment("c", "c1", 0)}, NextPageToken: "p4"},
	}}
	s := newScanner(memory.NewGraphStore(), meta, nil, Config{PageLimit: 2})

	res, err := s.Scan(context.Background(), "v1", []string{"c1"})
	require.NoError(t, err)
	require.Equal(t, 2, res.PagesScanned)
	require.Len(t, res.Comments, 2)
	require.Len(t, meta.requests, 2)
	require.Equal(t, "p2", meta.requests[1].PageToken)
	require.Equal(t, botnet.CommentOrderRelevance, meta.requests[0].Order)
}

func TestScanKeepsPartialResultsOnPageError(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	meta := &pagedMeta{
		pages: map[string]botnet.CommentPage{
			"": {Comments: []botnet.Comment{comment("a", "c1", 0)}, NextPageToken: "p2"},
		},
		failOn: "p2",
	}
	s := newScanner(store, meta, nil, Config{})

	res, err := s.Scan(context.Background(), "v1", []string{"c1"})
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.Contains(t, res.PageError, "quota exceeded")
	require.Len(t, res.Comments, 1)
	require.Len(t, store.Comments(), 1)
}

func TestScanWithoutRetainedCommentsDoesNotStoreVideo(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	meta := &pagedMeta{pages: map[string]botnet.CommentPage{
		"": {Comments: []botnet.Comment{comment("a", "c9", 0)}},
	}}
	adder := &recordingAdder{}
	s := newScanner(store, meta, adder, Config{})

	res, err := s.Scan(context.Background(), "v1", []string{"c1"})
	require.NoError(t, err)
	require.Empty(t, res.Comments)
	require.Nil(t, res.Video)
	require.Empty(t, adder.calls)
	_, ok := store.Video("v1")
	require.False(t, ok)
}

func TestScanFiltersRepliesByWatchedSet(t *testing.T) {
	t.Parallel()

	reply := comment("r1", "c1", 0)
	reply.ParentID = "top"
	reply.IsReply = true
	other := comment("r2", "c7", 0)
	other.ParentID = "top"
	other.IsReply = true
	meta := &pagedMeta{pages: map[string]botnet.CommentPage{
		"": {Comments: []botnet.Comment{comment("top", "c7", 0), reply, other}},
	}}
	store := memory.NewGraphStore()
	s := newScanner(store, meta, nil, Config{})

	res, err := s.Scan(context.Background(), "v1", []string{"c1"})
	require.NoError(t, err)
	require.Len(t, res.Comments, 1)
	require.True(t, res.Comments[0].IsReply)
	require.Equal(t, "top", store.Comments()["r1"].ParentID)
}

func TestScanRequiresWatchedChannels(t *testing.T) {
	t.Parallel()

	s := newScanner(memory.NewGraphStore(), &pagedMeta{}, nil, Config{})
	_, err := s.Scan(context.Background(), "v1", nil)
	require.ErrorIs(t, err, botnet.ErrValidation)

	_, err = s.ScanKnownBots(context.Background(), "v1", nil)
	require.ErrorIs(t, err, botnet.ErrValidation)
}

func TestScanKnownBotsUsesRosterOrExplicitRefs(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	ctx := context.Background()
	_, err := store.UpsertChannel(ctx, botnet.Channel{ID: "UCbot", IsBot: true})
	require.NoError(t, err)
	_, err = store.UpsertChannel(ctx, botnet.Channel{ID: "UCplain"})
	require.NoError(t, err)

	meta := &pagedMeta{
		pages: map[string]botnet.CommentPage{
			"": {Comments: []botnet.Comment{
				comment("a", "UCbot", 0),
				comment("b", "UCplain", 0),
				comment("c", "UChandle", 0),
			}},
		},
		handles: map[string]string{"@spamtube": "UChandle"},
	}
	s := newScanner(store, meta, nil, Config{})

	res, err := s.ScanKnownBots(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", nil)
	require.NoError(t, err)
	require.Equal(t, "dQw4w9WgXcQ", res.VideoID)
	require.Len(t, res.Comments, 1)
	require.Equal(t, "UCbot", res.Comments[0].ChannelID)

	res, err = s.ScanKnownBots(ctx, "dQw4w9WgXcQ", []string{"https://www.youtube.com/@spamtube"})
	require.NoError(t, err)
	require.Len(t, res.Comments, 1)
	require.Equal(t, "UChandle", res.Comments[0].ChannelID)

	res, err = s.ScanVideoForComments(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	require.Len(t, res.Comments, 2)
}

func TestTopCommentsSkipsRepliesAndStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	reply := comment("r", "c2", 50)
	reply.IsReply = true
	meta := &pagedMeta{pages: map[string]botnet.CommentPage{
		"":   {Comments: []botnet.Comment{comment("a", "c1", 10), reply}, NextPageToken: "p2"},
		"p2": {Comments: []botnet.Comment{comment("b", "c3", 1)}},
	}}
	s := newScanner(memory.NewGraphStore(), meta, nil, Config{})

	got, partial, err := s.TopComments(context.Background(), "v1")
	require.NoError(t, err)
	require.False(t, partial)
	require.Len(t, got, 2)
	require.Equal(t, "v1", got[0].VideoID)

	empty := &pagedMeta{pages: map[string]botnet.CommentPage{"": {NextPageToken: "p2"}}}
	s = newScanner(memory.NewGraphStore(), empty, nil, Config{})
	got, _, err = s.TopComments(context.Background(), "v1")
	require.NoError(t, err)
	require.Empty(t, got)
	require.Len(t, empty.requests, 1)
}

func TestTopCommentsReportsPartial(t *testing.T) {
	t.Parallel()

	meta := &pagedMeta{
		pages:  map[string]botnet.CommentPage{"": {Comments: []botnet.Comment{comment("a", "c1", 1)}, NextPageToken: "p2"}},
		failOn: "p2",
	}
	s := newScanner(memory.NewGraphStore(), meta, nil, Config{})

	got, partial, err := s.TopComments(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, partial)
	require.Len(t, got, 1)
}
