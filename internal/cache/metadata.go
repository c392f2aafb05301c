// Package cache adds a Redis cache-aside layer in front of metadata lookups,
// saving API quota when the same channels are crawled repeatedly.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// Default TTLs. Video statistics move faster than channel profiles.
const (
	DefaultChannelTTL = 15 * time.Minute
	DefaultVideoTTL   = 5 * time.Minute
)

const keyPrefix = "botnet:"

// KV is the subset of a key/value store the cache needs. Get reports a miss
// with ok=false and a nil error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisKV adapts a go-redis client to KV.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV parses redisURL, connects and pings. The caller owns Close.
func NewRedisKV(ctx context.Context, redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisKV{rdb: rdb}, nil
}

// Get returns the value stored at key.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value at key with ttl.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks the server is reachable.
func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

// MetadataCache decorates a botnet.MetadataFetcher. Channel and video
// lookups are served from the cache when present; comment pages always go
// upstream. Cache failures degrade to a direct call.
type MetadataCache struct {
	next       botnet.MetadataFetcher
	kv         KV
	channelTTL time.Duration
	videoTTL   time.Duration
	logger     *zap.Logger
}

var _ botnet.MetadataFetcher = (*MetadataCache)(nil)

// NewMetadataCache wraps next. Non-positive TTLs fall back to the defaults.
func NewMetadataCache(next botnet.MetadataFetcher, kv KV, channelTTL, videoTTL time.Duration, logger *zap.Logger) *MetadataCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channelTTL <= 0 {
		channelTTL = DefaultChannelTTL
	}
	if videoTTL <= 0 {
		videoTTL = DefaultVideoTTL
	}
	return &MetadataCache{
		next:       next,
		kv:         kv,
		channelTTL: channelTTL,
		videoTTL:   videoTTL,
		logger:     logger.Named("metadata_cache"),
	}
}

// FetchChannelByID implements botnet.MetadataFetcher.
func (c *MetadataCache) FetchChannelByID(ctx context.Context, id string) (botnet.ChannelMetadata, error) {
	key := channelIDKey(id)
	var md botnet.ChannelMetadata
	if c.load(ctx, key, &md) {
		return md, nil
	}
	md, err := c.next.FetchChannelByID(ctx, id)
	if err != nil {
		return botnet.ChannelMetadata{}, err
	}
	c.store(ctx, key, md, c.channelTTL)
	return md, nil
}

// FetchChannelByHandle implements botnet.MetadataFetcher. A hit on the
// handle also warms the ID key.
func (c *MetadataCache) FetchChannelByHandle(ctx context.Context, handle string) (botnet.ChannelMetadata, error) {
	key := channelHandleKey(handle)
	var md botnet.ChannelMetadata
	if c.load(ctx, key, &md) {
		return md, nil
	}
	md, err := c.next.FetchChannelByHandle(ctx, handle)
	if err != nil {
		return botnet.ChannelMetadata{}, err
	}
	c.store(ctx, key, md, c.channelTTL)
	if md.ID != "" {
		c.store(ctx, channelIDKey(md.ID), md, c.channelTTL)
	}
	return md, nil
}

// FetchVideo implements botnet.MetadataFetcher.
func (c *MetadataCache) FetchVideo(ctx context.Context, id string) (botnet.Video, error) {
	key := videoKey(id)
	var v botnet.Video
	if c.load(ctx, key, &v) {
		return v, nil
	}
	v, err := c.next.FetchVideo(ctx, id)
	if err != nil {
		return botnet.Video{}, err
	}
	c.store(ctx, key, v, c.videoTTL)
	return v, nil
}

// FetchCommentsPage passes through; comment pages are never cached.
func (c *MetadataCache) FetchCommentsPage(ctx context.Context, req botnet.CommentPageRequest) (botnet.CommentPage, error) {
	return c.next.FetchCommentsPage(ctx, req) //nolint:wrapcheck // classified by the wrapped fetcher
}

func (c *MetadataCache) load(ctx context.Context, key string, dst any) bool {
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *MetadataCache) store(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func channelIDKey(id string) string {
	return keyPrefix + "channel:id:" + strings.TrimSpace(id)
}

// Handles are case-insensitive on the platform.
func channelHandleKey(handle string) string {
	return keyPrefix + "channel:handle:" + strings.ToLower(strings.TrimSpace(handle))
}

func videoKey(id string) string {
	return keyPrefix + "video:" + strings.TrimSpace(id)
}
