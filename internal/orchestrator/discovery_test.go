package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/clock/system"
	"github.com/JakeFAU/botnet-tracker/internal/publisher"
	pubmemory "github.com/JakeFAU/botnet-tracker/internal/publisher/memory"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
	"github.com/JakeFAU/botnet-tracker/internal/storage/memory"
)

type fakeSearcher struct {
	results map[string][]botnet.SearchResult
	errs    map[string]error
}

func (f fakeSearcher) SearchDomain(_ context.Context, domain string) ([]botnet.SearchResult, error) {
	if err := f.errs[domain]; err != nil {
		return nil, err
	}
	return f.results[domain], nil
}

func (f fakeSearcher) SearchChannelURL(_ context.Context, channelURL string) ([]botnet.SearchResult, error) {
	if err := f.errs[channelURL]; err != nil {
		return nil, err
	}
	return f.results[channelURL], nil
}

func newDiscoverer(store *memory.GraphStore, searcher fakeSearcher, meta botnet.MetadataFetcher, events *pubmemory.Publisher) *SinkDiscoverer {
	return NewSinkDiscoverer(
		store,
		searcher,
		meta,
		publisher.NewEmitter(events, "graph-events", nil),
		system.NewFixed(fixedNow),
		&seqIDs{},
		retry.NoRetry(),
		Config{Concurrency: 1},
		nil,
	)
}

func TestDiscoverSinksForExplicitDomains(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	events := pubmemory.New()
	meta := newFakeMeta()
	meta.handles["@sinky"] = "UCsink2"
	searcher := fakeSearcher{results: map[string][]botnet.SearchResult{
		"spam-site.co": {
			{Link: "https://www.youtube.com/channel/UCsink1"},
			{Link: "https://www.youtube.com/@sinky/about"},
			{Link: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
			{Link: "https://reddit.com/r/spam"},
		},
	}}
	d := newDiscoverer(store, searcher, meta, events)

	res, err := d.DiscoverSinksForDomains(context.Background(), []string{"https://Spam-Site.co"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, "spam-site.co", res.Outcomes[0].Item)
	require.Equal(t, []string{"UCsink1", "UCsink2"}, res.Outcomes[0].IDs)

	ch, err := store.GetChannel(context.Background(), "UCsink1")
	require.NoError(t, err)
	require.True(t, ch.IsSink)
	require.Equal(t, botnet.SourceCSEDiscovery, ch.Source)
	require.Equal(t, []string{"spam-site.co"}, ch.LinkedDomains)

	links := store.ChannelDomainLinks()
	require.Contains(t, links, "spam-site.co::UCsink1")
	require.Contains(t, links, "spam-site.co::UCsink2")
	require.Equal(t, "https://www.youtube.com/channel/UCsink1", links["spam-site.co::UCsink1"].FullURL)

	_, ok := store.Domain("spam-site.co")
	require.True(t, ok)
	require.Len(t, events.Events(botnet.EventSinkDiscovered), 2)
}

func TestDiscoverSinksUsesStoredDomainsAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	ctx := context.Background()
	for _, name := range []string{"a-shop.com", "b-shop.com"} {
		_, err := store.UpsertDomain(ctx, botnet.Domain{Name: name, Active: true})
		require.NoError(t, err)
	}
	searcher := fakeSearcher{
		results: map[string][]botnet.SearchResult{"b-shop.com": {{Link: "/channel/UCb"}}},
		errs:    map[string]error{"a-shop.com": errors.New("quota exceeded")},
	}
	d := newDiscoverer(store, searcher, nil, pubmemory.New())

	res, err := d.DiscoverSinksForDomains(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, string(botnet.KindFetch), res.Outcomes[0].Kind)
	require.Equal(t, []string{"UCb"}, res.Outcomes[1].IDs)

	_, err = store.GetChannel(ctx, "UCb")
	require.NoError(t, err)
}

func TestDiscoverSinksRequiresDomains(t *testing.T) {
	t.Parallel()

	d := newDiscoverer(memory.NewGraphStore(), fakeSearcher{}, nil, pubmemory.New())
	_, err := d.DiscoverSinksForDomains(context.Background(), nil)
	require.ErrorIs(t, err, botnet.ErrValidation)
}

func TestDiscoverSinksRejectsUnusableDomain(t *testing.T) {
	t.Parallel()

	d := newDiscoverer(memory.NewGraphStore(), fakeSearcher{}, nil, pubmemory.New())
	res, err := d.DiscoverSinksForDomains(context.Background(), []string{"not a domain"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, string(botnet.KindExtraction), res.Outcomes[0].Kind)
}

func TestDiscoverReferrersLinksReferencingChannels(t *testing.T) {
	t.Parallel()

	store := memory.NewGraphStore()
	ctx := context.Background()
	_, err := store.UpsertChannel(ctx, botnet.Channel{ID: "UCtarget", Source: "manual", DiscoveredAt: fixedNow})
	require.NoError(t, err)
	require.NoError(t, store.UpsertChannelChannelLink(ctx, botnet.ChannelLink{
		SourceChannelID:  "UCref1",
		TargetChannelID:  "UCtarget",
		RelationshipType: botnet.RelationshipFeatured,
		DiscoveredAt:     fixedNow,
	}))

	meta := newFakeMeta()
	meta.handles["@reftwo"] = "UCref2"
	searcher := fakeSearcher{results: map[string][]botnet.SearchResult{
		"https://www.youtube.com/channel/UCtarget": {
			{Link: "https://www.youtube.com/channel/UCref1"},
			{Link: "https://www.youtube.com/@reftwo"},
			{Link: "https://www.youtube.com/channel/UCtarget"},
			{Link: "https://example.com/not-a-channel"},
		},
	}}
	events := pubmemory.New()
	d := newDiscoverer(store, searcher, meta, events)

	res, err := d.DiscoverReferrers(ctx, []string{"https://www.youtube.com/channel/UCtarget/about"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, []string{"UCref1", "UCref2"}, res.Outcomes[0].IDs)

	links := store.ChannelLinks()
	require.Equal(t, botnet.RelationshipFeatured, links["UCref1::UCtarget"].RelationshipType, "featured edge is untouched")
	require.Equal(t, botnet.RelationshipReferrer, links["UCref1::UCtarget::referrer"].RelationshipType)
	require.Equal(t, botnet.RelationshipReferrer, links["UCref2::UCtarget::referrer"].RelationshipType)
	require.NotContains(t, links, "UCtarget::UCtarget::referrer")

	target, err := store.GetChannel(ctx, "UCtarget")
	require.NoError(t, err)
	require.Equal(t, "manual", target.Source)
	referrer, err := store.GetChannel(ctx, "UCref2")
	require.NoError(t, err)
	require.Equal(t, botnet.SourceCSEDiscovery, referrer.Source)
	require.Equal(t, fixedNow, referrer.DiscoveredAt)
	require.Len(t, events.Events(botnet.EventReferrerFound), 2)
}

func TestDiscoverReferrersIsolatesFailures(t *testing.T) {
	t.Parallel()

	searcher := fakeSearcher{errs: map[string]error{
		"https://www.youtube.com/channel/UCbad": errors.New("quota exceeded"),
	}}
	d := newDiscoverer(memory.NewGraphStore(), searcher, nil, pubmemory.New())

	res, err := d.DiscoverReferrers(context.Background(), []string{"UCbad", "UCquiet", "@nobody"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, string(botnet.KindFetch), res.Outcomes[0].Kind)
	require.Empty(t, res.Outcomes[1].IDs)
	require.Equal(t, string(botnet.KindResolution), res.Outcomes[2].Kind)

	_, err = d.DiscoverReferrers(context.Background(), nil)
	require.ErrorIs(t, err, botnet.ErrValidation)
}
