package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

// SinkDiscoverer searches the web for channels that mention known domains and
// records them as sinks. It also finds the channels that reference a given
// channel's page.
type SinkDiscoverer struct {
	store    botnet.GraphStore
	searcher botnet.SinkSearcher
	meta     botnet.MetadataFetcher
	events   EventEmitter
	clock    botnet.Clock
	ids      botnet.IDGenerator
	retry    *retry.Policy
	cfg      Config
	logger   *zap.Logger
}

// NewSinkDiscoverer builds a SinkDiscoverer. meta resolves handle-style
// result links and may be nil, in which case such links are only matched
// against stored channels.
func NewSinkDiscoverer(
	store botnet.GraphStore,
	searcher botnet.SinkSearcher,
	meta botnet.MetadataFetcher,
	events EventEmitter,
	clock botnet.Clock,
	ids botnet.IDGenerator,
	retryPolicy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *SinkDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.NoRetry()
	}
	return &SinkDiscoverer{
		store:    store,
		searcher: searcher,
		meta:     meta,
		events:   events,
		clock:    clock,
		ids:      ids,
		retry:    retryPolicy,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("discovery"),
	}
}

// DiscoverSinksForDomains searches each domain and upserts every channel
// found as a sink linked to that domain. With no domains given, every stored
// domain is searched. Each domain is isolated and gets its own outcome
// listing the discovered channel IDs.
func (d *SinkDiscoverer) DiscoverSinksForDomains(ctx context.Context, domains []string) (botnet.BatchResult, error) {
	explicit := len(domains) > 0
	if !explicit {
		stored, err := d.store.ListAllDomains(ctx)
		if err != nil {
			return botnet.BatchResult{}, asStorageError("list domains", err)
		}
		domains = stored
	}
	if len(domains) == 0 {
		return botnet.BatchResult{}, botnet.ValidationError("discover sinks", errors.New("no domains provided or stored"))
	}

	return d.runBatch(ctx, "sink discovery", domains, func(ctx context.Context, logger *zap.Logger, raw string) botnet.ItemOutcome {
		return d.discoverDomain(ctx, logger, raw, explicit)
	})
}

// DiscoverReferrers searches for pages that mention each channel's URL and
// records every channel found there as a referrer of it. Each channel is
// isolated and gets its own outcome listing the referrer IDs.
func (d *SinkDiscoverer) DiscoverReferrers(ctx context.Context, channelRefs []string) (botnet.BatchResult, error) {
	if len(channelRefs) == 0 {
		return botnet.BatchResult{}, botnet.ValidationError("discover referrers", errors.New("no channels provided"))
	}
	return d.runBatch(ctx, "referrer discovery", channelRefs, d.discoverReferrers)
}

// runBatch fans items out over the configured concurrency and collects one
// outcome per item, in input order.
func (d *SinkDiscoverer) runBatch(
	ctx context.Context,
	name string,
	items []string,
	fn func(context.Context, *zap.Logger, string) botnet.ItemOutcome,
) (botnet.BatchResult, error) {
	var runID string
	if d.ids != nil {
		id, err := d.ids.NewID()
		if err != nil {
			return botnet.BatchResult{}, fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	logger := d.logger.With(zap.String("run_id", runID))

	outcomes := make([]botnet.ItemOutcome, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = fn(gctx, logger, item)
			return nil
		})
	}
	_ = g.Wait()

	result := botnet.BatchResult{RunID: runID, Outcomes: outcomes}
	result.Tally()
	logger.Info(name+" finished",
		zap.Int("items", len(items)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (d *SinkDiscoverer) discoverDomain(ctx context.Context, logger *zap.Logger, raw string, upsertDomain bool) botnet.ItemOutcome {
	domain, err := identity.ExtractDomain(raw)
	if err != nil {
		return botnet.Failed(raw, err)
	}
	logger = logger.With(zap.String("domain", domain))
	now := d.now()
	prov := botnet.Provenance{
		Source: botnet.SourceCSEDiscovery,
		Notes:  "Discovered via CSE for domain: " + domain,
	}

	if upsertDomain {
		_, err := d.store.UpsertDomain(ctx, botnet.Domain{
			Name:         domain,
			Registrable:  identity.RegistrableDomain(domain),
			Active:       true,
			Source:       prov.Source,
			Notes:        prov.Notes,
			DiscoveredAt: now,
			UpdatedAt:    now,
		})
		if err != nil {
			return botnet.Failed(domain, asStorageError("upsert domain", err))
		}
	}

	results, err := callUpstream(ctx, d.retry, d.cfg.CallTimeout, "search_domain", func(ctx context.Context) ([]botnet.SearchResult, error) {
		return d.searcher.SearchDomain(ctx, domain)
	})
	if err != nil {
		logger.Warn("sink search failed", zap.Error(err))
		return botnet.Failed(domain, botnet.FetchError("search domain "+domain, err))
	}

	var (
		found    []string
		firstErr error
	)
	for _, hit := range results {
		channelID, ok := d.channelForLink(ctx, hit.Link)
		if !ok {
			logger.Debug("search result is not a channel", zap.String("link", hit.Link))
			continue
		}
		if err := d.recordSink(ctx, channelID, domain, hit.Link, prov, now); err != nil {
			logger.Warn("record sink failed", zap.String("channel_id", channelID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		found = botnet.UnionStrings(found, []string{channelID})
	}
	if firstErr != nil {
		out := botnet.Failed(domain, firstErr)
		out.IDs = found
		return out
	}
	logger.Info("sinks discovered", zap.Int("results", len(results)), zap.Int("channels", len(found)))
	return botnet.Succeeded(domain, found...)
}

func (d *SinkDiscoverer) discoverReferrers(ctx context.Context, logger *zap.Logger, raw string) botnet.ItemOutcome {
	ref, err := identity.ResolveChannel(raw)
	if err != nil {
		return botnet.Failed(raw, err)
	}
	targetID, ok := d.canonicalID(ctx, ref)
	if !ok {
		return botnet.Failed(raw, botnet.ResolutionError("discover referrers", fmt.Errorf("cannot resolve %s to a channel id", ref)))
	}
	logger = logger.With(zap.String("channel_id", targetID))
	now := d.now()
	prov := botnet.Provenance{
		Source: botnet.SourceCSEDiscovery,
		Notes:  "Discovered via CSE referencing channel: " + targetID,
	}

	target := identity.ChannelURL(botnet.ChannelID(targetID))
	results, err := callUpstream(ctx, d.retry, d.cfg.CallTimeout, "search_channel", func(ctx context.Context) ([]botnet.SearchResult, error) {
		return d.searcher.SearchChannelURL(ctx, target)
	})
	if err != nil {
		logger.Warn("referrer search failed", zap.Error(err))
		return botnet.Failed(targetID, botnet.FetchError("search channel "+targetID, err))
	}
	_, err = d.store.UpsertChannel(ctx, botnet.Channel{
		ID:           targetID,
		Source:       prov.Source,
		Notes:        prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return botnet.Failed(targetID, asStorageError("upsert channel "+targetID, err))
	}

	var (
		found    []string
		firstErr error
	)
	for _, hit := range results {
		referrerID, ok := d.channelForLink(ctx, hit.Link)
		if !ok || referrerID == targetID {
			continue
		}
		if err := d.recordReferrer(ctx, referrerID, targetID, prov, now); err != nil {
			logger.Warn("record referrer failed", zap.String("referrer_id", referrerID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		found = botnet.UnionStrings(found, []string{referrerID})
	}
	if firstErr != nil {
		out := botnet.Failed(targetID, firstErr)
		out.IDs = found
		return out
	}
	logger.Info("referrers discovered", zap.Int("results", len(results)), zap.Int("channels", len(found)))
	return botnet.Succeeded(targetID, found...)
}

func (d *SinkDiscoverer) recordReferrer(ctx context.Context, referrerID, targetID string, prov botnet.Provenance, now time.Time) error {
	_, err := d.store.UpsertChannel(ctx, botnet.Channel{
		ID:           referrerID,
		Source:       prov.Source,
		Notes:        prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return asStorageError("upsert channel "+referrerID, err)
	}
	err = d.store.UpsertChannelChannelLink(ctx, botnet.ChannelLink{
		SourceChannelID:  referrerID,
		TargetChannelID:  targetID,
		RelationshipType: botnet.RelationshipReferrer,
		Source:           prov.Source,
		Notes:            prov.Notes,
		DiscoveredAt:     now,
		UpdatedAt:        now,
	})
	if err != nil {
		return asStorageError("link referrer "+referrerID, err)
	}
	if d.events != nil {
		d.events.Emit(ctx, botnet.GraphEvent{
			Type:      botnet.EventReferrerFound,
			ChannelID: referrerID,
			Source:    prov.Source,
			Timestamp: now,
		})
	}
	return nil
}

// channelForLink maps a search hit to a canonical channel ID.
func (d *SinkDiscoverer) channelForLink(ctx context.Context, link string) (string, bool) {
	ref, err := identity.ResolveChannel(link)
	if err != nil {
		return "", false
	}
	return d.canonicalID(ctx, ref)
}

// canonicalID returns ref's channel ID, resolving handles through the store
// and then the metadata fetcher.
func (d *SinkDiscoverer) canonicalID(ctx context.Context, ref botnet.ChannelRef) (string, bool) {
	if ref.Kind == botnet.RefChannelID {
		return ref.Value, true
	}
	if stored, err := d.store.GetChannelByHandle(ctx, ref.Value); err == nil {
		return stored.ID, true
	}
	if d.meta == nil {
		return "", false
	}
	meta, err := callUpstream(ctx, d.retry, d.cfg.CallTimeout, "fetch_channel", func(ctx context.Context) (botnet.ChannelMetadata, error) {
		return d.meta.FetchChannelByHandle(ctx, ref.Value)
	})
	if err != nil || meta.ID == "" {
		return "", false
	}
	return meta.ID, true
}

func (d *SinkDiscoverer) recordSink(ctx context.Context, channelID, domain, link string, prov botnet.Provenance, now time.Time) error {
	_, err := d.store.UpsertChannel(ctx, botnet.Channel{
		ID:            channelID,
		LinkedDomains: []string{domain},
		IsSink:        true,
		Source:        prov.Source,
		Notes:         prov.Notes,
		DiscoveredAt:  now,
		UpdatedAt:     now,
	})
	if err != nil {
		return asStorageError("upsert channel "+channelID, err)
	}
	err = d.store.UpsertChannelDomainLink(ctx, botnet.ChannelDomainLink{
		ChannelID:    channelID,
		Domain:       domain,
		FullURL:      link,
		Source:       prov.Source,
		Notes:        prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return asStorageError("link domain "+domain, err)
	}
	metrics.ObserveDomainLinked("search")
	if d.events != nil {
		d.events.Emit(ctx, botnet.GraphEvent{
			Type:      botnet.EventSinkDiscovered,
			ChannelID: channelID,
			Domain:    domain,
			Source:    prov.Source,
			Timestamp: now,
		})
	}
	return nil
}

func (d *SinkDiscoverer) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
