package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/storage/memory"
)

type graphSnapshot struct {
	channels    map[string]botnet.Channel
	links       map[string]botnet.ChannelLink
	domainLinks map[string]botnet.ChannelDomainLink
	domains     map[string]botnet.Domain
}

func snapshot(t *testing.T, h *harness) graphSnapshot {
	t.Helper()
	ctx := context.Background()
	ids, err := h.store.ListAllChannelIDs(ctx)
	require.NoError(t, err)
	snap := graphSnapshot{
		channels:    make(map[string]botnet.Channel),
		links:       h.store.ChannelLinks(),
		domainLinks: h.store.ChannelDomainLinks(),
		domains:     make(map[string]botnet.Domain),
	}
	for _, id := range ids {
		ch, err := h.store.GetChannel(ctx, id)
		require.NoError(t, err)
		snap.channels[id] = ch
	}
	names, err := h.store.ListAllDomains(ctx)
	require.NoError(t, err)
	for _, name := range names {
		d, ok := h.store.Domain(name)
		require.True(t, ok)
		snap.domains[name] = d
	}
	return snap
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestAddChannelIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.crawler.links["UCa"] = "https://www.spam-site.co/offer"
	h.crawler.featured["UCa"] = []botnet.ChannelRef{botnet.ChannelID("UCb"), botnet.ChannelID("UCc")}
	prov := botnet.Provenance{Source: "manual", Notes: "seed"}

	first, err := h.orch.AddChannel(context.Background(), "https://www.youtube.com/channel/UCa/about", prov)
	require.NoError(t, err)
	require.Equal(t, "UCa", first.Channel.ID)
	require.Equal(t, "spam-site.co", first.Domain)
	require.Equal(t, []string{"UCb", "UCc"}, first.Channel.FeaturedChannelIDs)
	after1 := snapshot(t, h)

	_, err = h.orch.AddChannel(context.Background(), "UCa", prov)
	require.NoError(t, err)
	after2 := snapshot(t, h)

	require.Equal(t, after1, after2)
	require.Equal(t, []string{"UCa::UCb", "UCa::UCc"}, keys(after2.links))
	require.Equal(t, []string{"spam-site.co::UCa"}, keys(after2.domainLinks))
	require.Equal(t, []string{"spam-site.co"}, after2.channels["UCa"].LinkedDomains)
	require.Equal(t, "https://www.spam-site.co/offer", after2.channels["UCa"].ExternalURL)
	require.Equal(t, "manual", after2.channels["UCa"].Source)
	require.Equal(t, botnet.RelationshipFeatured, after2.links["UCa::UCb"].RelationshipType)
	require.True(t, after2.domains["spam-site.co"].Active)
}

func TestFeaturedFanOutIsCapped(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxFeaturedChannels: 3, Concurrency: 2})
	var refs []botnet.ChannelRef
	for i := 0; i < 10; i++ {
		refs = append(refs, botnet.ChannelID(fmt.Sprintf("UCchild%d", i)))
	}
	h.crawler.featured["UCroot"] = refs

	res, err := h.orch.AddChannel(context.Background(), "UCroot", botnet.Provenance{Source: "manual"})
	require.NoError(t, err)
	require.Len(t, res.Featured, 3)
	require.Equal(t, 7, res.FeaturedTruncated)
	require.Len(t, h.store.ChannelLinks(), 3)

	expanded := 0
	for i := 0; i < 10; i++ {
		expanded += h.meta.callCount(fmt.Sprintf("UCchild%d", i))
	}
	require.Equal(t, 3, expanded)
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, h.meta.callCount(fmt.Sprintf("UCchild%d", i)))
	}
}

func TestMutualFeaturingTerminates(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.crawler.featured["UCa"] = []botnet.ChannelRef{botnet.ChannelID("UCb")}
	h.crawler.featured["UCb"] = []botnet.ChannelRef{botnet.ChannelID("UCa")}

	_, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)

	require.Equal(t, []string{"UCa::UCb"}, keys(h.store.ChannelLinks()))
	require.Equal(t, 1, h.crawler.featuredCount("UCa"))
	require.Zero(t, h.crawler.featuredCount("UCb"))
}

func TestFeaturedChildrenReachedTwiceAreExpandedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 1})
	h.meta.handles["@bee"] = "UCb"
	h.crawler.featured["UCa"] = []botnet.ChannelRef{
		botnet.ChannelID("UCb"),
		{Kind: botnet.RefHandle, Value: "@bee"},
		botnet.ChannelID("UCa"),
	}

	res, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)

	require.Len(t, res.Featured, 2)
	for _, out := range res.Featured {
		require.Equal(t, botnet.OutcomeSucceeded, out.Status)
		require.Equal(t, []string{"UCb"}, out.IDs)
	}
	require.Equal(t, 1, h.crawler.linkCount("UCb"))
	require.Equal(t, []string{"UCa::UCb"}, keys(h.store.ChannelLinks()))
	require.Equal(t, []string{"UCb"}, res.Channel.FeaturedChannelIDs)
}

func TestFeaturedChildResolvedByHandleSkipsSecondFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 1})
	h.meta.handles["@bee"] = "UCb"
	h.crawler.featured["UCa"] = []botnet.ChannelRef{
		{Kind: botnet.RefHandle, Value: "@bee"},
		botnet.ChannelID("UCb"),
	}

	res, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)

	require.Len(t, res.Featured, 2)
	for _, out := range res.Featured {
		require.Equal(t, botnet.OutcomeSucceeded, out.Status)
		require.Equal(t, []string{"UCb"}, out.IDs)
	}
	require.Equal(t, 1, h.meta.callCount("@bee"))
	require.Zero(t, h.meta.callCount("UCb"), "an ID already claimed in the run is not fetched again")
}

// recordingStore keeps every channel passed to UpsertChannel.
type recordingStore struct {
	*memory.GraphStore
	mu       sync.Mutex
	channels []botnet.Channel
}

func (s *recordingStore) UpsertChannel(ctx context.Context, ch botnet.Channel) (botnet.Channel, error) {
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return s.GraphStore.UpsertChannel(ctx, ch)
}

func TestFeaturedRecordingCarriesTimestamps(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	store := &recordingStore{GraphStore: h.store}
	h.orch.store = store
	h.crawler.featured["UCroot"] = []botnet.ChannelRef{botnet.ChannelID("UCchild")}

	_, err := h.orch.AddChannel(context.Background(), "UCroot", botnet.Provenance{Source: "manual"})
	require.NoError(t, err)

	require.Len(t, store.channels, 3)
	for _, ch := range store.channels {
		require.Equal(t, fixedNow, ch.DiscoveredAt, "channel %s", ch.ID)
		require.Equal(t, fixedNow, ch.UpdatedAt, "channel %s", ch.ID)
	}
	last := store.channels[2]
	require.Equal(t, "UCroot", last.ID)
	require.Equal(t, []string{"UCchild"}, last.FeaturedChannelIDs)
}

func TestFeaturedChildFailureIsIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.meta.errs["UCbad"] = botnet.FetchError("channels.list", errors.New("503"))
	h.crawler.featured["UCa"] = []botnet.ChannelRef{botnet.ChannelID("UCbad"), botnet.ChannelID("UCgood")}

	res, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)
	require.Len(t, res.Featured, 2)
	require.Equal(t, botnet.OutcomeFailed, res.Featured[0].Status)
	require.Equal(t, string(botnet.KindFetch), res.Featured[0].Kind)
	require.Equal(t, botnet.OutcomeSucceeded, res.Featured[1].Status)
	require.Equal(t, []string{"UCa::UCgood"}, keys(h.store.ChannelLinks()))
}

func TestFeaturedLookupFailureIsAWarning(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.crawler.featuredErr = errors.New("selector timeout")

	res, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "featured channels")

	_, err = h.store.GetChannel(context.Background(), "UCa")
	require.NoError(t, err)
}

func TestAddChannelMetadataFailureFailsTheRun(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})

	_, err := h.orch.AddChannel(context.Background(), "@missing", botnet.Provenance{})
	require.Error(t, err)
	require.ErrorIs(t, err, botnet.ErrFetch)
	require.ErrorIs(t, err, botnet.ErrNotFound)

	ids, err := h.store.ListAllChannelIDs(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAddChannelRejectsBadReference(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	_, err := h.orch.AddChannel(context.Background(), "https://example.com/nope", botnet.Provenance{})
	require.ErrorIs(t, err, botnet.ErrResolution)
}

func TestAddChannelByHandleStoresCanonicalID(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.meta.handles["@spamtube"] = "UCspam"

	res, err := h.orch.AddChannel(context.Background(), "https://www.youtube.com/@spamtube", botnet.Provenance{})
	require.NoError(t, err)
	require.Equal(t, "UCspam", res.Channel.ID)

	stored, err := h.store.GetChannelByHandle(context.Background(), "@spamtube")
	require.NoError(t, err)
	require.Equal(t, "UCspam", stored.ID)
	require.Len(t, h.events.Events(botnet.EventChannelUpserted), 1)
}

func TestUpdateAllStoredChannelsIsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 1, RecrawlSource: "nightly"})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := h.store.UpsertChannel(ctx, botnet.Channel{ID: fmt.Sprintf("UC%d", i)})
		require.NoError(t, err)
	}
	h.meta.errs["UC3"] = botnet.FetchError("channels.list", errors.New("503"))

	res, err := h.orch.UpdateAllStoredChannels(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)
	require.Equal(t, 4, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Outcomes, 5)
	require.Equal(t, "UC3", res.Outcomes[2].Item)
	require.Equal(t, botnet.OutcomeFailed, res.Outcomes[2].Status)
	require.Equal(t, string(botnet.KindFetch), res.Outcomes[2].Kind)

	for _, id := range []string{"UC4", "UC5"} {
		ch, err := h.store.GetChannel(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "title "+id, ch.Title)
		require.Equal(t, fixedNow, ch.UpdatedAt)
	}
	ch3, err := h.store.GetChannel(ctx, "UC3")
	require.NoError(t, err)
	require.Empty(t, ch3.Title)
}

func TestUpdateAllStoredChannelsUsesRecrawlProvenance(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{RecrawlSource: "nightly"})
	ctx := context.Background()
	_, err := h.store.UpsertChannel(ctx, botnet.Channel{ID: "UCa"})
	require.NoError(t, err)
	h.crawler.featured["UCa"] = []botnet.ChannelRef{botnet.ChannelID("UCnew")}

	_, err = h.orch.UpdateAllStoredChannels(ctx)
	require.NoError(t, err)

	child, err := h.store.GetChannel(ctx, "UCnew")
	require.NoError(t, err)
	require.Equal(t, "nightly", child.Source)
	require.Equal(t, "nightly", h.store.ChannelLinks()["UCa::UCnew"].Source)
}

func TestPromoteBotFlagsAndLinksDescriptionDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.meta.about["UCbot"] = "best deals at http://spam-site.co today"
	h.crawler.featured["UCbot"] = []botnet.ChannelRef{botnet.ChannelID("UCsink")}

	res, err := h.orch.PromoteBot(context.Background(), "UCbot", "vid1")
	require.NoError(t, err)
	require.True(t, res.Channel.IsBot)
	require.Equal(t, botnet.SourceAutomatedFlag, res.Channel.Source)
	require.Contains(t, res.Channel.Notes, "vid1")
	require.Equal(t, []string{"spam-site.co"}, res.Channel.LinkedDomains)
	require.Equal(t, []string{"spam-site.co::UCbot"}, keys(h.store.ChannelDomainLinks()))
	require.Equal(t, []string{"UCbot::UCsink"}, keys(h.store.ChannelLinks()))

	sink, err := h.store.GetChannel(context.Background(), "UCsink")
	require.NoError(t, err)
	require.False(t, sink.IsBot)

	flagged := h.events.Events(botnet.EventBotFlagged)
	require.Len(t, flagged, 1)
	require.Equal(t, "UCbot", flagged[0].ChannelID)
	require.Equal(t, "vid1", flagged[0].VideoID)

	bots, err := h.store.ListBotChannelIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"UCbot"}, bots)
}

func TestEvidenceAndLivenessAreRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{CheckDomains: true})
	h.orch.evidence = fakeEvidence{uri: "memory://screenshots/"}
	h.orch.checker = fakeChecker{alive: false}
	h.crawler.links["UCa"] = "https://dead-shop.net"

	res, err := h.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)
	require.Equal(t, "memory://screenshots/UCa", res.Channel.ScreenshotURI)

	d, ok := h.store.Domain("dead-shop.net")
	require.True(t, ok)
	require.False(t, d.Active)

	h2 := newHarness(Config{})
	h2.orch.evidence = fakeEvidence{err: errors.New("chrome crashed")}
	res, err = h2.orch.AddChannel(context.Background(), "UCa", botnet.Provenance{})
	require.NoError(t, err)
	require.Empty(t, res.Channel.ScreenshotURI)
	require.Len(t, res.Warnings, 1)
}

func TestAddVideo(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.meta.videos["dQw4w9WgXcQ"] = botnet.Video{ID: "dQw4w9WgXcQ", ChannelID: "UCa", Title: "clip", ViewCount: 5}

	v, err := h.orch.AddVideo(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	require.Equal(t, "clip", v.Title)
	require.Equal(t, fixedNow, v.DiscoveredAt)

	stored, ok := h.store.Video("dQw4w9WgXcQ")
	require.True(t, ok)
	require.Equal(t, "UCa", stored.ChannelID)

	_, err = h.orch.AddVideo(context.Background(), "missing0000")
	require.ErrorIs(t, err, botnet.ErrNotFound)
	require.ErrorIs(t, err, botnet.ErrFetch)
}

func TestAddDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	d, err := h.orch.AddDomain(context.Background(), "https://WWW.Spam-Site.co/path", botnet.Provenance{Source: "manual"})
	require.NoError(t, err)
	require.Equal(t, "spam-site.co", d.Name)
	require.True(t, d.Active)
	require.Equal(t, "manual", d.Source)

	require.Equal(t, "spam-site.co", d.Registrable)

	hosted, err := h.orch.AddDomain(context.Background(), "https://sites.google.com/view/spam-offer", botnet.Provenance{})
	require.NoError(t, err)
	require.Equal(t, "sites.google.com", hosted.Name)
	require.Equal(t, "google.com", hosted.Registrable)
	_, found := h.store.Domain("google.com")
	require.False(t, found, "a hosted site does not merge into its platform")

	_, err = h.orch.AddDomain(context.Background(), "no links here", botnet.Provenance{})
	require.ErrorIs(t, err, botnet.ErrValidation)
	require.ErrorIs(t, err, botnet.ErrExtraction)
}

func TestDedupeRefs(t *testing.T) {
	t.Parallel()

	refs := []botnet.ChannelRef{
		botnet.ChannelID("UCroot"),
		botnet.ChannelID("UCx"),
		botnet.ChannelID("UCx"),
		{Kind: botnet.RefHandle, Value: "@Bee"},
		{Kind: botnet.RefHandle, Value: "@bee"},
		botnet.ChannelID(" "),
	}
	got := dedupeRefs(refs, "UCroot")
	require.Equal(t, []botnet.ChannelRef{botnet.ChannelID("UCx"), {Kind: botnet.RefHandle, Value: "@Bee"}}, got)
}
