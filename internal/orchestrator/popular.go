package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

// DefaultPopularCategories are the assignable video categories whose charts
// are read when a seeding run names none. The trending chart is read too.
var DefaultPopularCategories = []string{
	"1", "2", "10", "15", "17", "20", "22", "23", "24", "25", "26", "28", "29",
}

// PopularSeeder stores the videos of most-popular charts as candidates for
// bot detection.
type PopularSeeder struct {
	store  botnet.GraphStore
	lister botnet.PopularVideoLister
	events EventEmitter
	clock  botnet.Clock
	ids    botnet.IDGenerator
	retry  *retry.Policy
	cfg    Config
	logger *zap.Logger
}

// NewPopularSeeder builds a PopularSeeder.
func NewPopularSeeder(
	store botnet.GraphStore,
	lister botnet.PopularVideoLister,
	events EventEmitter,
	clock botnet.Clock,
	ids botnet.IDGenerator,
	retryPolicy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *PopularSeeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.NoRetry()
	}
	return &PopularSeeder{
		store:  store,
		lister: lister,
		events: events,
		clock:  clock,
		ids:    ids,
		retry:  retryPolicy,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("popular"),
	}
}

// DefaultPopularQueries returns the trending chart followed by every default
// category chart for region.
func DefaultPopularQueries(region string, maxResults int) []botnet.PopularQuery {
	out := []botnet.PopularQuery{{RegionCode: region, MaxResults: maxResults}}
	for _, cat := range DefaultPopularCategories {
		out = append(out, botnet.PopularQuery{RegionCode: region, CategoryID: cat, MaxResults: maxResults})
	}
	return out
}

// SeedPopularVideos reads each chart and upserts its videos. With no
// queries, the trending chart and every default category chart are read.
// Charts are isolated: one that fails gets a failed outcome and the rest
// continue. Each outcome lists the chart's video IDs.
func (p *PopularSeeder) SeedPopularVideos(ctx context.Context, queries []botnet.PopularQuery) (botnet.BatchResult, error) {
	if len(queries) == 0 {
		queries = DefaultPopularQueries(p.cfg.PopularRegion, p.cfg.PopularMaxResults)
	}
	queries = append([]botnet.PopularQuery(nil), queries...)
	for i, q := range queries {
		if strings.TrimSpace(q.RegionCode) == "" {
			queries[i].RegionCode = p.cfg.PopularRegion
		}
		if q.MaxResults <= 0 {
			queries[i].MaxResults = p.cfg.PopularMaxResults
		}
	}
	var runID string
	if p.ids != nil {
		id, err := p.ids.NewID()
		if err != nil {
			return botnet.BatchResult{}, fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	logger := p.logger.With(zap.String("run_id", runID))

	outcomes := make([]botnet.ItemOutcome, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			outcomes[i] = p.seedChart(gctx, logger, q)
			return nil
		})
	}
	_ = g.Wait()

	result := botnet.BatchResult{RunID: runID, Outcomes: outcomes}
	result.Tally()
	logger.Info("popular seeding finished",
		zap.Int("charts", len(queries)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (p *PopularSeeder) seedChart(ctx context.Context, logger *zap.Logger, q botnet.PopularQuery) botnet.ItemOutcome {
	label := q.Label()
	videos, err := callUpstream(ctx, p.retry, p.cfg.CallTimeout, "popular_videos", func(ctx context.Context) ([]botnet.Video, error) {
		return p.lister.FetchPopularVideos(ctx, q)
	})
	if err != nil {
		logger.Warn("popular chart skipped", zap.String("chart", label), zap.Error(err))
		return botnet.Failed(label, err)
	}
	now := p.now()
	ids := make([]string, 0, len(videos))
	for _, v := range videos {
		v.DiscoveredAt = now
		v.UpdatedAt = now
		if _, err := p.store.UpsertVideo(ctx, v); err != nil {
			out := botnet.Failed(label, asStorageError("upsert video "+v.ID, err))
			out.IDs = ids
			return out
		}
		ids = append(ids, v.ID)
		if p.events != nil {
			p.events.Emit(ctx, botnet.GraphEvent{
				Type:      botnet.EventVideoSeeded,
				ChannelID: v.ChannelID,
				VideoID:   v.ID,
				Source:    label,
				Timestamp: now,
			})
		}
	}
	logger.Info("popular chart stored", zap.String("chart", label), zap.Int("videos", len(ids)))
	return botnet.Succeeded(label, ids...)
}

func (p *PopularSeeder) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}
