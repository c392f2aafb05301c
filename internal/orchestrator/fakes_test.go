package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/clock/system"
	"github.com/JakeFAU/botnet-tracker/internal/publisher"
	pubmemory "github.com/JakeFAU/botnet-tracker/internal/publisher/memory"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
	"github.com/JakeFAU/botnet-tracker/internal/storage/memory"
)

var fixedNow = time.Date(2024, 6, 12, 13, 45, 0, 0, time.UTC)

// fakeMeta returns metadata for any channel ID unless an error is registered.
type fakeMeta struct {
	mu      sync.Mutex
	handles map[string]string
	about   map[string]string
	errs    map[string]error
	calls   map[string]int
	videos  map[string]botnet.Video
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		handles: make(map[string]string),
		about:   make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		videos:  make(map[string]botnet.Video),
	}
}

func (f *fakeMeta) FetchChannelByID(_ context.Context, id string) (botnet.ChannelMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return botnet.ChannelMetadata{}, err
	}
	return botnet.ChannelMetadata{
		ID:              id,
		Title:           "title " + id,
		Description:     f.about[id],
		SubscriberCount: 10,
	}, nil
}

func (f *fakeMeta) FetchChannelByHandle(_ context.Context, handle string) (botnet.ChannelMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[handle]++
	id, ok := f.handles[handle]
	if !ok {
		return botnet.ChannelMetadata{}, botnet.NotFoundError("channels.list "+handle, errors.New("no items"))
	}
	return botnet.ChannelMetadata{ID: id, Handle: handle, Title: "title " + id}, nil
}

func (f *fakeMeta) FetchVideo(_ context.Context, id string) (botnet.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.videos[id]
	if !ok {
		return botnet.Video{}, botnet.NotFoundError("videos.list "+id, errors.New("no items"))
	}
	return v, nil
}

func (f *fakeMeta) FetchCommentsPage(context.Context, botnet.CommentPageRequest) (botnet.CommentPage, error) {
	return botnet.CommentPage{}, nil
}

func (f *fakeMeta) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// fakeCrawler serves canned external links and featured references.
type fakeCrawler struct {
	mu            sync.Mutex
	links         map[string]string
	featured      map[string][]botnet.ChannelRef
	featuredErr   error
	linkCalls     map[string]int
	featuredCalls map[string]int
}

func newFakeCrawler() *fakeCrawler {
	return &fakeCrawler{
		links:         make(map[string]string),
		featured:      make(map[string][]botnet.ChannelRef),
		linkCalls:     make(map[string]int),
		featuredCalls: make(map[string]int),
	}
}

func (f *fakeCrawler) ExternalLink(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls[channelID]++
	return f.links[channelID], nil
}

func (f *fakeCrawler) FeaturedChannelRefs(_ context.Context, channelID string) ([]botnet.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.featuredCalls[channelID]++
	if f.featuredErr != nil {
		return nil, f.featuredErr
	}
	return f.featured[channelID], nil
}

func (f *fakeCrawler) linkCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCalls[id]
}

func (f *fakeCrawler) featuredCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.featuredCalls[id]
}

type fakeEvidence struct {
	uri string
	err error
}

func (f fakeEvidence) Record(_ context.Context, channelID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.uri + channelID, nil
}

type fakeChecker struct {
	alive bool
	err   error
}

func (f fakeChecker) Alive(context.Context, string) (bool, error) {
	return f.alive, f.err
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + strconv.Itoa(s.n), nil
}

type harness struct {
	store   *memory.GraphStore
	meta    *fakeMeta
	crawler *fakeCrawler
	events  *pubmemory.Publisher
	orch    *Orchestrator
}

func newHarness(cfg Config) *harness {
	h := &harness{
		store:   memory.NewGraphStore(),
		meta:    newFakeMeta(),
		crawler: newFakeCrawler(),
		events:  pubmemory.New(),
	}
	h.orch = New(
		h.store,
		h.meta,
		h.crawler,
		nil,
		nil,
		publisher.NewEmitter(h.events, "graph-events", nil),
		system.NewFixed(fixedNow),
		&seqIDs{},
		retry.NoRetry(),
		cfg,
		nil,
	)
	return h
}
