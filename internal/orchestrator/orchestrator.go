// Package orchestrator walks the channel/domain relationship graph. A crawl
// resolves one channel, links its external domain, upserts it, and then
// expands its featured channels exactly one hop with bounded fan-out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

// EvidenceRecorder captures a channel page and returns the stored URI.
type EvidenceRecorder interface {
	Record(ctx context.Context, channelID string) (string, error)
}

// EventEmitter publishes graph events. Implementations must not fail the caller.
type EventEmitter interface {
	Emit(ctx context.Context, ev botnet.GraphEvent)
}

// Config tunes the crawl pipeline.
type Config struct {
	MaxFeaturedChannels int
	Concurrency         int
	RecrawlSource       string
	CheckDomains        bool
	CallTimeout         time.Duration
	// PopularRegion and PopularMaxResults fill popular-chart queries that
	// leave them unset.
	PopularRegion     string
	PopularMaxResults int
}

const (
	defaultMaxFeatured   = 50
	defaultConcurrency   = 4
	defaultRecrawlSource = "update_stored_channels"
	defaultCallTimeout   = 45 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxFeaturedChannels <= 0 {
		c.MaxFeaturedChannels = defaultMaxFeatured
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if strings.TrimSpace(c.RecrawlSource) == "" {
		c.RecrawlSource = defaultRecrawlSource
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

// CrawlResult describes one top-level channel crawl.
type CrawlResult struct {
	RunID             string               `json:"run_id"`
	Channel           botnet.Channel       `json:"channel"`
	Domain            string               `json:"domain,omitempty"`
	Featured          []botnet.ItemOutcome `json:"featured,omitempty"`
	FeaturedTruncated int                  `json:"featured_truncated,omitempty"`
	Warnings          []string             `json:"warnings,omitempty"`
}

// Orchestrator runs the channel pipeline against the graph store.
type Orchestrator struct {
	store    botnet.GraphStore
	meta     botnet.MetadataFetcher
	crawler  botnet.RelationshipCrawler
	checker  botnet.DomainChecker
	evidence EvidenceRecorder
	events   EventEmitter
	clock    botnet.Clock
	ids      botnet.IDGenerator
	retry    *retry.Policy
	cfg      Config
	logger   *zap.Logger

	inflight singleflight.Group
}

// New constructs an Orchestrator. checker, evidence and events are optional.
func New(
	store botnet.GraphStore,
	meta botnet.MetadataFetcher,
	crawler botnet.RelationshipCrawler,
	checker botnet.DomainChecker,
	evidence EvidenceRecorder,
	events EventEmitter,
	clock botnet.Clock,
	ids botnet.IDGenerator,
	retryPolicy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.NoRetry()
	}
	return &Orchestrator{
		store:    store,
		meta:     meta,
		crawler:  crawler,
		checker:  checker,
		evidence: evidence,
		events:   events,
		clock:    clock,
		ids:      ids,
		retry:    retryPolicy,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("orchestrator"),
	}
}

// run is the state of one top-level invocation. visited holds every channel
// ID claimed for expansion so that a channel reachable through several
// featured edges is processed once.
type run struct {
	id      string
	prov    botnet.Provenance
	mu      sync.Mutex
	visited map[string]struct{}
}

func newRun(id string, prov botnet.Provenance) *run {
	return &run{id: id, prov: prov, visited: make(map[string]struct{})}
}

// claim marks channelID visited and reports whether this caller owns it.
func (r *run) claim(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.visited[channelID]; ok {
		return false
	}
	r.visited[channelID] = struct{}{}
	return true
}

// nodeOptions changes what the per-node pipeline writes.
type nodeOptions struct {
	markBot            bool
	domainFromAbout    bool
	sourceEventVideoID string
}

// node is the result of steps 1-3 for one channel.
type node struct {
	channel  botnet.Channel
	domain   string
	warnings []string
	visited  bool
}

// AddChannel crawls identifier and its featured channels one hop deep.
// Metadata failures for the root surface as the returned error; everything
// after a successful metadata fetch degrades to warnings and per-child
// outcomes.
func (o *Orchestrator) AddChannel(ctx context.Context, identifier string, prov botnet.Provenance) (CrawlResult, error) {
	ref, err := identity.ResolveChannel(identifier)
	if err != nil {
		return CrawlResult{}, err
	}
	runID, err := o.newRunID()
	if err != nil {
		return CrawlResult{}, err
	}
	return o.crawl(ctx, newRun(runID, prov), ref, nodeOptions{})
}

// PromoteBot marks channelID as a bot flagged from a comment on videoID, then
// runs the full pipeline for it, including a domain found in its
// description.
func (o *Orchestrator) PromoteBot(ctx context.Context, channelID, videoID string) (CrawlResult, error) {
	if strings.TrimSpace(channelID) == "" {
		return CrawlResult{}, botnet.ValidationError("promote bot", errors.New("channel id is required"))
	}
	runID, err := o.newRunID()
	if err != nil {
		return CrawlResult{}, err
	}
	prov := botnet.Provenance{
		Source: botnet.SourceAutomatedFlag,
		Notes:  fmt.Sprintf("flagged from comments on video %s", videoID),
	}
	res, err := o.crawl(ctx, newRun(runID, prov), botnet.ChannelID(channelID), nodeOptions{
		markBot:            true,
		domainFromAbout:    true,
		sourceEventVideoID: videoID,
	})
	if err != nil {
		return res, err
	}
	metrics.ObserveBotFlagged()
	o.emit(ctx, botnet.GraphEvent{
		Type:      botnet.EventBotFlagged,
		ChannelID: res.Channel.ID,
		VideoID:   videoID,
		Source:    botnet.SourceAutomatedFlag,
	})
	return res, nil
}

// UpdateAllStoredChannels re-runs the channel pipeline for every stored
// channel with the recrawl provenance. Each channel is isolated: a failure is
// recorded in its outcome and the remaining channels still run.
func (o *Orchestrator) UpdateAllStoredChannels(ctx context.Context) (botnet.BatchResult, error) {
	ids, err := o.store.ListAllChannelIDs(ctx)
	if err != nil {
		return botnet.BatchResult{}, asStorageError("list channels", err)
	}
	runID, err := o.newRunID()
	if err != nil {
		return botnet.BatchResult{}, err
	}
	prov := botnet.Provenance{Source: o.cfg.RecrawlSource, Notes: o.cfg.RecrawlSource}
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("recrawl started", zap.Int("channels", len(ids)))

	outcomes := make([]botnet.ItemOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.crawl(gctx, newRun(runID, prov), botnet.ChannelID(id), nodeOptions{})
			if err != nil {
				logger.Warn("recrawl channel failed", zap.String("channel_id", id), zap.Error(err))
				outcomes[i] = botnet.Failed(id, err)
				return nil
			}
			outcomes[i] = botnet.Succeeded(id, res.Channel.ID)
			return nil
		})
	}
	_ = g.Wait()

	result := botnet.BatchResult{RunID: runID, Outcomes: outcomes}
	result.Tally()
	logger.Info("recrawl finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// AddVideo fetches a video's metadata and upserts it.
func (o *Orchestrator) AddVideo(ctx context.Context, identifier string) (botnet.Video, error) {
	ref, err := identity.ResolveVideo(identifier)
	if err != nil {
		return botnet.Video{}, err
	}
	video, err := callUpstream(ctx, o.retry, o.cfg.CallTimeout, "fetch_video", func(ctx context.Context) (botnet.Video, error) {
		return o.meta.FetchVideo(ctx, ref.ID)
	})
	if err != nil {
		return botnet.Video{}, botnet.FetchError("fetch video "+ref.ID, err)
	}
	if video.ID == "" {
		video.ID = ref.ID
	}
	now := o.now()
	video.DiscoveredAt = now
	video.UpdatedAt = now
	stored, err := o.store.UpsertVideo(ctx, video)
	if err != nil {
		return botnet.Video{}, asStorageError("upsert video", err)
	}
	o.logger.Info("video added", zap.String("video_id", stored.ID), zap.String("channel_id", stored.ChannelID))
	return stored, nil
}

// AddDomain normalizes and upserts a domain.
func (o *Orchestrator) AddDomain(ctx context.Context, raw string, prov botnet.Provenance) (botnet.Domain, error) {
	name, err := identity.ExtractDomain(raw)
	if err != nil {
		return botnet.Domain{}, botnet.ValidationError("add domain", err)
	}
	now := o.now()
	stored, err := o.store.UpsertDomain(ctx, botnet.Domain{
		Name:         name,
		Registrable:  identity.RegistrableDomain(name),
		Active:       o.domainActive(ctx, name),
		Source:       prov.Source,
		Notes:        prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return botnet.Domain{}, asStorageError("upsert domain", err)
	}
	return stored, nil
}

// crawl runs steps 1-3 for the root and then the one-hop featured expansion.
func (o *Orchestrator) crawl(ctx context.Context, r *run, ref botnet.ChannelRef, opts nodeOptions) (CrawlResult, error) {
	logger := o.logger.With(zap.String("run_id", r.id), zap.String("identifier", ref.String()))
	root, err := o.expandNode(ctx, r, ref, opts)
	if err != nil {
		metrics.ObserveChannelCrawl(string(botnet.OutcomeFailed))
		logger.Warn("channel crawl failed", zap.Error(err))
		return CrawlResult{RunID: r.id}, err
	}
	metrics.ObserveChannelCrawl(string(botnet.OutcomeSucceeded))

	result := CrawlResult{
		RunID:    r.id,
		Channel:  root.channel,
		Domain:   root.domain,
		Warnings: root.warnings,
	}
	o.expandFeatured(ctx, r, &result)
	logger.Info("channel crawled",
		zap.String("channel_id", result.Channel.ID),
		zap.String("domain", result.Domain),
		zap.Int("featured", len(result.Featured)),
		zap.Int("featured_truncated", result.FeaturedTruncated),
	)
	return result, nil
}

// expandFeatured processes the root's featured references: steps 1-3 per
// child, then a featured edge from the root to each child.
func (o *Orchestrator) expandFeatured(ctx context.Context, r *run, result *CrawlResult) {
	rootID := result.Channel.ID
	refs, err := callUpstream(ctx, o.retry, o.cfg.CallTimeout, "featured_channels", func(ctx context.Context) ([]botnet.ChannelRef, error) {
		return o.crawler.FeaturedChannelRefs(ctx, rootID)
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("featured channels: %v", err))
		return
	}
	refs = dedupeRefs(refs, rootID)
	if len(refs) > o.cfg.MaxFeaturedChannels {
		result.FeaturedTruncated = len(refs) - o.cfg.MaxFeaturedChannels
		metrics.ObserveFeatured("truncated", result.FeaturedTruncated)
		refs = refs[:o.cfg.MaxFeaturedChannels]
	}
	if len(refs) == 0 {
		return
	}

	outcomes := make([]botnet.ItemOutcome, len(refs))
	children := make([]string, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			outcomes[i], children[i] = o.expandChild(gctx, r, rootID, ref)
			return nil
		})
	}
	_ = g.Wait()
	result.Featured = outcomes

	var linked []string
	for _, id := range children {
		if id != "" {
			linked = append(linked, id)
		}
	}
	if len(linked) == 0 {
		return
	}
	now := o.now()
	if _, err := o.store.UpsertChannel(ctx, botnet.Channel{
		ID:                 rootID,
		FeaturedChannelIDs: linked,
		DiscoveredAt:       now,
		UpdatedAt:          now,
	}); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("record featured channels: %v", err))
		return
	}
	result.Channel.FeaturedChannelIDs = botnet.UnionStrings(result.Channel.FeaturedChannelIDs, linked)
}

// expandChild runs steps 1-3 for one featured reference and writes the edge.
// It returns the outcome and, when an edge was written, the child's ID.
func (o *Orchestrator) expandChild(ctx context.Context, r *run, rootID string, ref botnet.ChannelRef) (botnet.ItemOutcome, string) {
	child, err := o.expandNode(ctx, r, ref, nodeOptions{})
	if err != nil {
		metrics.ObserveFeatured("failed", 1)
		return botnet.Failed(ref.String(), err), ""
	}
	childID := child.channel.ID
	if childID == rootID {
		return botnet.ItemOutcome{Item: ref.String(), Status: botnet.OutcomeSkipped, IDs: []string{childID}}, ""
	}
	now := o.now()
	err = o.store.UpsertChannelChannelLink(ctx, botnet.ChannelLink{
		SourceChannelID:  rootID,
		TargetChannelID:  childID,
		RelationshipType: botnet.RelationshipFeatured,
		Source:           r.prov.Source,
		Notes:            r.prov.Notes,
		DiscoveredAt:     now,
		UpdatedAt:        now,
	})
	if err != nil {
		metrics.ObserveFeatured("failed", 1)
		return botnet.Failed(ref.String(), asStorageError("upsert channel link", err)), ""
	}
	if child.visited {
		metrics.ObserveFeatured("visited", 1)
	} else {
		metrics.ObserveFeatured("expanded", 1)
	}
	return botnet.Succeeded(ref.String(), childID), childID
}

// expandNode runs metadata fetch, link resolution and the channel upsert for
// one channel. A channel already claimed in this run is returned with
// visited set and no writes.
func (o *Orchestrator) expandNode(ctx context.Context, r *run, ref botnet.ChannelRef, opts nodeOptions) (node, error) {
	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	// An ID reference is claimed before the metadata call so a channel
	// reached twice costs one fetch. Handles are claimed once resolved.
	byID := ref.Kind == botnet.RefChannelID
	if byID && !r.claim(ref.Value) {
		return node{channel: botnet.Channel{ID: ref.Value}, visited: true}, nil
	}
	meta, err := o.fetchMetadata(ctx, ref)
	if err != nil {
		return node{}, err
	}
	if (!byID || meta.ID != ref.Value) && !r.claim(meta.ID) {
		return node{channel: botnet.Channel{ID: meta.ID}, visited: true}, nil
	}

	v, err, _ := o.inflight.Do(meta.ID, func() (any, error) {
		return o.linkAndUpsert(ctx, r, meta, opts)
	})
	if err != nil {
		return node{}, err
	}
	return v.(node), nil
}

func (o *Orchestrator) fetchMetadata(ctx context.Context, ref botnet.ChannelRef) (botnet.ChannelMetadata, error) {
	meta, err := callUpstream(ctx, o.retry, o.cfg.CallTimeout, "fetch_channel", func(ctx context.Context) (botnet.ChannelMetadata, error) {
		if ref.Kind == botnet.RefChannelID {
			return o.meta.FetchChannelByID(ctx, ref.Value)
		}
		return o.meta.FetchChannelByHandle(ctx, ref.Value)
	})
	if err != nil {
		return botnet.ChannelMetadata{}, botnet.FetchError("fetch channel "+ref.String(), err)
	}
	if meta.ID == "" {
		if ref.Kind != botnet.RefChannelID {
			return botnet.ChannelMetadata{}, botnet.FetchError("fetch channel "+ref.String(), errors.New("metadata has no channel id"))
		}
		meta.ID = ref.Value
	}
	return meta, nil
}

// linkAndUpsert is steps 2 and 3: resolve the external link to a domain,
// upsert domain and edge, then upsert the channel.
func (o *Orchestrator) linkAndUpsert(ctx context.Context, r *run, meta botnet.ChannelMetadata, opts nodeOptions) (node, error) {
	logger := o.logger.With(zap.String("run_id", r.id), zap.String("channel_id", meta.ID))
	var n node
	now := o.now()

	link, err := callUpstream(ctx, o.retry, o.cfg.CallTimeout, "external_link", func(ctx context.Context) (string, error) {
		return o.crawler.ExternalLink(ctx, meta.ID)
	})
	if err != nil {
		logger.Warn("external link lookup failed", zap.Error(err))
		n.warnings = append(n.warnings, fmt.Sprintf("external link: %v", err))
	}

	var domains []string
	if link != "" {
		if domain, ok := o.linkDomain(ctx, r, meta.ID, link, link, "external_link", now, &n); ok {
			n.domain = domain
			domains = append(domains, domain)
		}
	}
	if opts.domainFromAbout && meta.Description != "" {
		if domain, ok := o.linkDomain(ctx, r, meta.ID, meta.Description, "", "description", now, &n); ok {
			if n.domain == "" {
				n.domain = domain
			}
			domains = botnet.UnionStrings(domains, []string{domain})
		}
	}

	var screenshot string
	if o.evidence != nil {
		uri, err := o.evidence.Record(ctx, meta.ID)
		if err != nil {
			logger.Warn("page evidence failed", zap.Error(err))
			n.warnings = append(n.warnings, fmt.Sprintf("evidence: %v", err))
		}
		screenshot = uri
	}

	stored, err := o.store.UpsertChannel(ctx, botnet.Channel{
		ID:              meta.ID,
		Handle:          meta.Handle,
		Title:           meta.Title,
		Description:     meta.Description,
		ThumbnailURL:    meta.ThumbnailURL,
		PublishedAt:     meta.PublishedAt,
		SubscriberCount: meta.SubscriberCount,
		ViewCount:       meta.ViewCount,
		VideoCount:      meta.VideoCount,
		ExternalURL:     link,
		LinkedDomains:   domains,
		IsBot:           opts.markBot,
		ScreenshotURI:   screenshot,
		Source:          r.prov.Source,
		Notes:           r.prov.Notes,
		DiscoveredAt:    now,
		UpdatedAt:       now,
	})
	if err != nil {
		return node{}, asStorageError("upsert channel "+meta.ID, err)
	}
	n.channel = stored
	o.emit(ctx, botnet.GraphEvent{
		Type:      botnet.EventChannelUpserted,
		ChannelID: stored.ID,
		Domain:    n.domain,
		VideoID:   opts.sourceEventVideoID,
		Source:    r.prov.Source,
	})
	return n, nil
}

// linkDomain extracts a domain from text, upserts it and links it to the
// channel. Failures are recorded as warnings on n.
func (o *Orchestrator) linkDomain(ctx context.Context, r *run, channelID, text, fullURL, via string, now time.Time, n *node) (string, bool) {
	domain, err := identity.ExtractDomain(text)
	if err != nil {
		return "", false
	}
	_, err = o.store.UpsertDomain(ctx, botnet.Domain{
		Name:         domain,
		Registrable:  identity.RegistrableDomain(domain),
		Active:       o.domainActive(ctx, domain),
		Source:       r.prov.Source,
		Notes:        r.prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		n.warnings = append(n.warnings, fmt.Sprintf("upsert domain %s: %v", domain, err))
		return "", false
	}
	err = o.store.UpsertChannelDomainLink(ctx, botnet.ChannelDomainLink{
		ChannelID:    channelID,
		Domain:       domain,
		FullURL:      fullURL,
		Source:       r.prov.Source,
		Notes:        r.prov.Notes,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		n.warnings = append(n.warnings, fmt.Sprintf("link domain %s: %v", domain, err))
		return "", false
	}
	metrics.ObserveDomainLinked(via)
	return domain, true
}

// domainActive checks the domain when liveness checks are enabled. Check
// errors leave the domain active.
func (o *Orchestrator) domainActive(ctx context.Context, domain string) bool {
	if !o.cfg.CheckDomains || o.checker == nil {
		return true
	}
	alive, err := callUpstream(ctx, retry.NoRetry(), o.cfg.CallTimeout, "check_domain", func(ctx context.Context) (bool, error) {
		return o.checker.Alive(ctx, domain)
	})
	if err != nil {
		o.logger.Debug("domain liveness check failed", zap.String("domain", domain), zap.Error(err))
		return true
	}
	return alive
}

func (o *Orchestrator) emit(ctx context.Context, ev botnet.GraphEvent) {
	if o.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	o.events.Emit(ctx, ev)
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

func (o *Orchestrator) newRunID() (string, error) {
	if o.ids == nil {
		return "", nil
	}
	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// callUpstream runs fn under the retry policy with a per-attempt timeout.
// Unclassified failures and timeouts are reported as fetch errors.
func callUpstream[T any](ctx context.Context, p *retry.Policy, timeout time.Duration, call string, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, p, func(ctx context.Context) (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		out, err := fn(callCtx)
		metrics.ObserveUpstreamCall(call, err, time.Since(start))
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return out, err
		}
		var classified *botnet.Error
		if !errors.As(err, &classified) {
			err = botnet.FetchError(call, err)
		}
		return out, err
	})
}

// dedupeRefs drops empty and repeated references and any reference to the
// root itself, keeping first-seen order.
func dedupeRefs(refs []botnet.ChannelRef, rootID string) []botnet.ChannelRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]botnet.ChannelRef, 0, len(refs))
	for _, ref := range refs {
		key := strings.TrimSpace(ref.Value)
		if ref.Kind != botnet.RefChannelID {
			key = string(ref.Kind) + ":" + strings.ToLower(key)
		}
		if key == "" || ref.Value == rootID {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func asStorageError(op string, err error) error {
	if errors.Is(err, botnet.ErrStorage) || errors.Is(err, botnet.ErrNotFound) {
		return err
	}
	return botnet.StorageError(op, err)
}
