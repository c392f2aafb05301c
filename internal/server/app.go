// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/api"
	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/cache"
	"github.com/JakeFAU/botnet-tracker/internal/clock/system"
	"github.com/JakeFAU/botnet-tracker/internal/comments"
	"github.com/JakeFAU/botnet-tracker/internal/config"
	"github.com/JakeFAU/botnet-tracker/internal/evidence"
	collyfetcher "github.com/JakeFAU/botnet-tracker/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/botnet-tracker/internal/fetcher/headless"
	"github.com/JakeFAU/botnet-tracker/internal/fetcher/youtube"
	"github.com/JakeFAU/botnet-tracker/internal/hash/sha256"
	"github.com/JakeFAU/botnet-tracker/internal/heuristic"
	"github.com/JakeFAU/botnet-tracker/internal/id/uuid"
	"github.com/JakeFAU/botnet-tracker/internal/logging"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/orchestrator"
	"github.com/JakeFAU/botnet-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/botnet-tracker/internal/publisher"
	memorypublisher "github.com/JakeFAU/botnet-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/botnet-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
	"github.com/JakeFAU/botnet-tracker/internal/safety/vision"
	"github.com/JakeFAU/botnet-tracker/internal/search/cse"
	gcsstorage "github.com/JakeFAU/botnet-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/botnet-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/botnet-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/botnet-tracker/internal/storage/postgres"
	"github.com/JakeFAU/botnet-tracker/internal/telemetry"
)

const defaultTopic = "graph-events"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orchestrator *orchestrator.Orchestrator
	discoverer   *orchestrator.SinkDiscoverer
	scanner      *comments.Scanner
	seeder       *orchestrator.PopularSeeder

	telemetry       *telemetry.Providers
	events          *publisher.Hub
	headless        *headlessfetcher.Crawler
	redis           *cache.RedisKV
	graphDB         *pgstore.GraphStore
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	readiness       map[string]api.ReadinessCheck
}

// Orchestrator returns the channel pipeline.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Scanner returns the comment scanner.
func (a *App) Scanner() *comments.Scanner {
	return a.scanner
}

// Seeder returns the popular-chart video seeder.
func (a *App) Seeder() *orchestrator.PopularSeeder {
	return a.seeder
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the HTTP API and blocks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the App opened.
func (a *App) Close(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if err := a.events.Close(ctx); err != nil {
		a.logger.Warn("event hub close failed", zap.Error(err))
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.graphDB != nil {
		a.graphDB.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error every client opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	if err := cfg.RequireYouTube(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, readiness: map[string]api.ReadinessCheck{}}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: logging.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultBurst: 1,
		Overrides: map[string]float64{
			"youtube": cfg.YouTube.RequestsPerSecond,
			"vision":  cfg.Vision.RequestsPerSecond,
			"cse":     cfg.CSE.RequestsPerSecond,
		},
	})
	initial, maxDelay := cfg.RetryBackoff()
	retryPolicy := retry.NewPolicy(cfg.Retry.MaxAttempts, initial, maxDelay)
	clock := system.New()
	ids := uuid.New()

	client, meta, err := setupMetadata(ctx, app, limiter)
	if err != nil {
		return nil, err
	}
	store, err := setupGraphStore(ctx, app)
	if err != nil {
		return nil, err
	}
	relations, capturer, err := setupRelationshipCrawler(app)
	if err != nil {
		return nil, err
	}
	recorder, err := setupEvidence(ctx, app, capturer)
	if err != nil {
		return nil, err
	}
	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = defaultTopic
	}
	app.events = publisher.NewHub(publisher.HubConfig{Logger: logger},
		publisher.NewEmitter(pub, topic, logger),
		publisher.NewLogSink(logger),
		publisher.MetricsSink{},
	)
	events := app.events

	orchCfg := orchestrator.Config{
		MaxFeaturedChannels: cfg.Crawl.MaxFeaturedChannels,
		Concurrency:         cfg.Crawl.Concurrency,
		RecrawlSource:       cfg.Crawl.RecrawlSource,
		CheckDomains:        cfg.Crawl.CheckDomains,
		CallTimeout:         callTimeout(cfg),
		PopularRegion:       cfg.YouTube.PopularRegion,
		PopularMaxResults:   cfg.YouTube.PopularMaxResults,
	}
	app.orchestrator = orchestrator.New(
		store, meta, relations, setupLivenessChecker(app), recorder, events,
		clock, ids, retryPolicy, orchCfg, logger,
	)
	app.scanner = comments.New(store, meta, app.orchestrator, clock, retryPolicy, comments.Config{
		PageLimit:    cfg.YouTube.CommentsPageLimit,
		TopPageLimit: cfg.YouTube.TopCommentsPageLimit,
		CallTimeout:  cfg.YouTubeTimeout(),
	}, logger)

	app.seeder = orchestrator.NewPopularSeeder(store, client, events, clock, ids, retryPolicy, orchCfg, logger)

	deps := api.Deps{
		Graph:     app.orchestrator,
		Scanner:   app.scanner,
		Seeder:    app.seeder,
		Channels:  store,
		Readiness: app.readiness,
	}
	if cfg.Vision.Enabled {
		checker, err := vision.New(ctx, vision.Config{
			APIKey:      cfg.Vision.APIKey,
			CallTimeout: cfg.YouTubeTimeout(),
		}, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("vision client init failed: %w", err)
		}
		names := heuristic.NewDictionaryChecker(cfg.Heuristic.SuspiciousNames)
		deps.Detector = heuristic.New(app.scanner, names, checker, app.orchestrator, store, cfg.YouTubeTimeout(), logger)
		logger.Info("bot detection enabled", zap.Int("suspicious_names", names.Len()))
	} else {
		logger.Warn("vision disabled, bot detection unavailable")
	}
	if cfg.CSE.EngineID != "" {
		searcher, err := cse.New(ctx, cse.Config{
			APIKey:           cfg.CSE.APIKey,
			EngineID:         cfg.CSE.EngineID,
			ResultsPerDomain: cfg.CSE.ResultsPerDomain,
			CallTimeout:      cfg.YouTubeTimeout(),
		}, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("custom search init failed: %w", err)
		}
		app.discoverer = orchestrator.NewSinkDiscoverer(store, searcher, meta, events, clock, ids, retryPolicy, orchCfg, logger)
		deps.Discoverer = app.discoverer
	} else {
		logger.Warn("no search engine configured, sink discovery unavailable")
	}

	app.apiServer = api.NewServer(deps, cfg, logger)
	logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("check_domains", cfg.Crawl.CheckDomains),
		zap.Bool("screenshots", cfg.Headless.Screenshots),
		zap.String("storage_backend", cfg.Storage.Backend),
	)
	return app, nil
}

// setupMetadata returns the YouTube client and the fetcher the pipelines
// use, which wraps the client in the Redis cache when one is configured.
// Popular charts are read from the client directly.
func setupMetadata(ctx context.Context, app *App, limiter *ratelimit.Limiter) (*youtube.Client, botnet.MetadataFetcher, error) {
	client, err := youtube.New(ctx, youtube.Config{
		APIKey:      app.cfg.YouTube.APIKey,
		CallTimeout: app.cfg.YouTubeTimeout(),
	}, limiter, app.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("youtube client init failed: %w", err)
	}
	if app.cfg.Cache.RedisURL == "" {
		return client, client, nil
	}
	app.redis, err = cache.NewRedisKV(ctx, app.cfg.Cache.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis init failed: %w", err)
	}
	app.readiness["redis"] = app.redis.Ping
	channelTTL, videoTTL := app.cfg.CacheTTLs()
	app.logger.Info("metadata cache enabled", zap.Duration("channel_ttl", channelTTL), zap.Duration("video_ttl", videoTTL))
	return client, cache.NewMetadataCache(client, app.redis, channelTTL, videoTTL, app.logger), nil
}

func setupGraphStore(ctx context.Context, app *App) (botnet.GraphStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory graph store")
		return memorystorage.NewGraphStore(), nil
	}
	var err error
	app.graphDB, err = pgstore.NewGraphStore(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		MaxConns: int32(app.cfg.DB.MaxConns), //nolint:gosec // validated small pool size
	})
	if err != nil {
		return nil, fmt.Errorf("graph store init failed: %w", err)
	}
	if err := app.graphDB.Migrate(ctx); err != nil {
		return nil, err
	}
	app.readiness["postgres"] = app.graphDB.Ping
	app.logger.Info("postgres graph store initialized")
	return app.graphDB, nil
}

func setupRelationshipCrawler(app *App) (botnet.RelationshipCrawler, botnet.PageCapturer, error) {
	if !app.cfg.Headless.Enabled {
		app.logger.Warn("headless disabled, external links and featured channels will not be scraped")
		noop := headlessfetcher.NewNoop()
		return noop, noop, nil
	}
	var err error
	app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       app.cfg.Headless.MaxParallel,
		UserAgent:         app.cfg.Headless.UserAgent,
		NavigationTimeout: app.cfg.NavTimeout(),
		LinkSelector:      app.cfg.Headless.LinkSelector,
		FeaturedSelector:  app.cfg.Headless.FeaturedSelector,
	}, app.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("headless crawler init failed: %w", err)
	}
	app.logger.Info("using headless crawler", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	return app.headless, app.headless, nil
}

func setupLivenessChecker(app *App) botnet.DomainChecker {
	if !app.cfg.Crawl.CheckDomains {
		return nil
	}
	app.logger.Info("domain liveness checks enabled", zap.String("user_agent", app.cfg.Liveness.UserAgent))
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Liveness.UserAgent,
		RespectRobots: app.cfg.Liveness.RespectRobots,
		Timeout:       app.cfg.LivenessTimeout(),
	}, app.logger)
}

func setupEvidence(ctx context.Context, app *App, capturer botnet.PageCapturer) (orchestrator.EvidenceRecorder, error) {
	if !app.cfg.Headless.Screenshots {
		return nil, nil
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	return evidence.New(capturer, blobs, sha256.New(), app.cfg.Storage.Prefix, app.logger), nil
}

func setupStorage(ctx context.Context, app *App) (botnet.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (botnet.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

// callTimeout bounds one collaborator call made by the orchestrator: the
// slower of a platform API call and a headless page load.
func callTimeout(cfg config.Config) time.Duration {
	d := cfg.YouTubeTimeout()
	if nav := cfg.NavTimeout(); nav > d {
		d = nav
	}
	return d
}
