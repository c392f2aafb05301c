// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	YouTube   YouTubeConfig   `mapstructure:"youtube"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Liveness  LivenessConfig  `mapstructure:"liveness"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Heuristic HeuristicConfig `mapstructure:"heuristic"`
	Vision    VisionConfig    `mapstructure:"vision"`
	CSE       CSEConfig       `mapstructure:"cse"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// YouTubeConfig configures the Data API client.
type YouTubeConfig struct {
	APIKey               string  `mapstructure:"api_key"`
	CommentsPageLimit    int     `mapstructure:"comments_page_limit"`
	TopCommentsPageLimit int     `mapstructure:"top_comments_page_limit"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	PopularRegion        string  `mapstructure:"popular_region"`
	PopularMaxResults    int     `mapstructure:"popular_max_results"`
}

// CrawlConfig governs the channel pipeline.
type CrawlConfig struct {
	MaxFeaturedChannels int    `mapstructure:"max_featured_channels"`
	Concurrency         int    `mapstructure:"concurrency"`
	RecrawlSource       string `mapstructure:"recrawl_source"`
	CheckDomains        bool   `mapstructure:"check_domains"`
}

// HeadlessConfig configures the headless browser.
type HeadlessConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MaxParallel      int    `mapstructure:"max_parallel"`
	NavTimeoutSec    int    `mapstructure:"nav_timeout_seconds"`
	UserAgent        string `mapstructure:"user_agent"`
	LinkSelector     string `mapstructure:"link_selector"`
	FeaturedSelector string `mapstructure:"featured_selector"`
	Screenshots      bool   `mapstructure:"screenshots"`
}

// LivenessConfig configures the domain liveness checker.
type LivenessConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RetryConfig bounds retries of upstream calls.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeuristicConfig tunes the bot heuristic.
type HeuristicConfig struct {
	SuspiciousNames []string `mapstructure:"suspicious_names"`
	LikeThreshold   int64    `mapstructure:"like_threshold"`
}

// VisionConfig toggles image safety classification.
type VisionConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// CSEConfig configures the web search used for sink discovery.
type CSEConfig struct {
	EngineID          string  `mapstructure:"engine_id"`
	APIKey            string  `mapstructure:"api_key"`
	ResultsPerDomain  int     `mapstructure:"results_per_domain"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// CacheConfig enables the Redis metadata cache.
type CacheConfig struct {
	RedisURL          string `mapstructure:"redis_url"`
	ChannelTTLMinutes int    `mapstructure:"channel_ttl_minutes"`
	VideoTTLMinutes   int    `mapstructure:"video_ttl_minutes"`
}

// StorageConfig selects where screenshot evidence is written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for graph-change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	Region      string  `mapstructure:"region"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOTNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("youtube.api_key", "")
	v.SetDefault("youtube.comments_page_limit", 5)
	v.SetDefault("youtube.top_comments_page_limit", 50)
	v.SetDefault("youtube.timeout_seconds", 15)
	v.SetDefault("youtube.requests_per_second", 5)
	v.SetDefault("youtube.popular_region", "US")
	v.SetDefault("youtube.popular_max_results", 50)
	v.SetDefault("crawl.max_featured_channels", 50)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.recrawl_source", "update_stored_channels")
	v.SetDefault("crawl.check_domains", false)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.link_selector", "")
	v.SetDefault("headless.featured_selector", "")
	v.SetDefault("headless.screenshots", false)
	v.SetDefault("liveness.user_agent", "botnet-tracker-liveness/0.1")
	v.SetDefault("liveness.respect_robots", false)
	v.SetDefault("liveness.timeout_seconds", 15)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("heuristic.suspicious_names", []string{"mary"})
	v.SetDefault("heuristic.like_threshold", 0)
	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.api_key", "")
	v.SetDefault("vision.requests_per_second", 5)
	v.SetDefault("cse.engine_id", "")
	v.SetDefault("cse.api_key", "")
	v.SetDefault("cse.results_per_domain", 5)
	v.SetDefault("cse.requests_per_second", 1)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.channel_ttl_minutes", 15)
	v.SetDefault("cache.video_ttl_minutes", 5)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.base_dir", "data/evidence")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.YouTube.CommentsPageLimit <= 0 || c.YouTube.TopCommentsPageLimit <= 0 {
		return fmt.Errorf("youtube comment page limits must be > 0")
	}
	if c.YouTube.TimeoutSeconds <= 0 {
		return fmt.Errorf("youtube.timeout_seconds must be > 0")
	}
	if c.Crawl.MaxFeaturedChannels < 0 {
		return fmt.Errorf("crawl.max_featured_channels must be >= 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Headless.Screenshots && !c.Headless.Enabled {
		return fmt.Errorf("headless.screenshots requires headless.enabled")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BackoffMaxMs < c.Retry.BackoffInitialMs {
		return fmt.Errorf("retry.backoff_max_ms must be >= retry.backoff_initial_ms")
	}
	if c.Heuristic.LikeThreshold < 0 {
		return fmt.Errorf("heuristic.like_threshold must be >= 0")
	}
	if (c.CSE.EngineID == "") != (c.CSE.APIKey == "") {
		return fmt.Errorf("cse.engine_id and cse.api_key must be set together")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// RequireYouTube reports whether commands that call the platform can run.
func (c Config) RequireYouTube() error {
	if strings.TrimSpace(c.YouTube.APIKey) == "" {
		return errors.New("youtube.api_key is required (BOTNET_YOUTUBE_API_KEY)")
	}
	return nil
}

// YouTubeTimeout converts the per-call timeout to a duration.
func (c Config) YouTubeTimeout() time.Duration {
	return time.Duration(c.YouTube.TimeoutSeconds) * time.Second
}

// NavTimeout converts the headless navigation timeout to a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// LivenessTimeout converts the liveness timeout to a duration.
func (c Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Liveness.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial and maximum retry delays.
func (c Config) RetryBackoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// CacheTTLs returns the channel and video cache lifetimes.
func (c Config) CacheTTLs() (channel, video time.Duration) {
	return time.Duration(c.Cache.ChannelTTLMinutes) * time.Minute,
		time.Duration(c.Cache.VideoTTLMinutes) * time.Minute
}
