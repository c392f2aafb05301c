// Package comments pages through a video's comments. Targeted scans keep
// only comments written by watched channels; top-comment reads feed the bot
// heuristic.
package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

// VideoAdder fetches and stores video metadata.
type VideoAdder interface {
	AddVideo(ctx context.Context, identifier string) (botnet.Video, error)
}

// Config bounds comment paging.
type Config struct {
	PageLimit    int
	TopPageLimit int
	Order        botnet.CommentOrder
	CallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageLimit <= 0 {
		c.PageLimit = 5
	}
	if c.TopPageLimit <= 0 {
		c.TopPageLimit = 50
	}
	if c.Order == "" {
		c.Order = botnet.CommentOrderRelevance
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// ScanResult reports a targeted scan. Partial is set when a page fetch
// failed and the remaining pages were not read.
type ScanResult struct {
	VideoID      string               `json:"video_id"`
	Comments     []botnet.Comment     `json:"comments"`
	PagesScanned int                  `json:"pages_scanned"`
	Scanned      int                  `json:"scanned"`
	Partial      bool                 `json:"partial"`
	PageError    string               `json:"page_error,omitempty"`
	Failures     []botnet.ItemOutcome `json:"failures,omitempty"`
	Video        *botnet.Video        `json:"video,omitempty"`
}

// Scanner reads comment pages through the metadata fetcher.
type Scanner struct {
	store  botnet.GraphStore
	meta   botnet.MetadataFetcher
	videos VideoAdder
	clock  botnet.Clock
	retry  *retry.Policy
	cfg    Config
	logger *zap.Logger
}

// New builds a Scanner. videos may be nil, in which case scanned videos are
// stored without fetched metadata.
func New(
	store botnet.GraphStore,
	meta botnet.MetadataFetcher,
	videos VideoAdder,
	clock botnet.Clock,
	retryPolicy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryPolicy == nil {
		retryPolicy = retry.NoRetry()
	}
	return &Scanner{
		store:  store,
		meta:   meta,
		videos: videos,
		clock:  clock,
		retry:  retryPolicy,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("comments"),
	}
}

// ScanVideoForComments keeps the comments written by any stored channel.
func (s *Scanner) ScanVideoForComments(ctx context.Context, videoRef string) (ScanResult, error) {
	video, err := identity.ResolveVideo(videoRef)
	if err != nil {
		return ScanResult{}, err
	}
	ids, err := s.store.ListAllChannelIDs(ctx)
	if err != nil {
		return ScanResult{}, storageError("list channels", err)
	}
	return s.Scan(ctx, video.ID, ids)
}

// ScanKnownBots keeps the comments written by the given channels, or by
// every stored bot when channelRefs is empty.
func (s *Scanner) ScanKnownBots(ctx context.Context, videoRef string, channelRefs []string) (ScanResult, error) {
	video, err := identity.ResolveVideo(videoRef)
	if err != nil {
		return ScanResult{}, err
	}
	watched, err := s.watchedIDs(ctx, channelRefs)
	if err != nil {
		return ScanResult{}, err
	}
	return s.Scan(ctx, video.ID, watched)
}

func (s *Scanner) watchedIDs(ctx context.Context, channelRefs []string) ([]string, error) {
	if len(channelRefs) == 0 {
		ids, err := s.store.ListBotChannelIDs(ctx)
		if err != nil {
			return nil, storageError("list bots", err)
		}
		return ids, nil
	}
	ids := make([]string, 0, len(channelRefs))
	for _, raw := range channelRefs {
		ref, err := identity.ResolveChannel(raw)
		if err != nil {
			return nil, err
		}
		if ref.Kind == botnet.RefChannelID {
			ids = append(ids, ref.Value)
			continue
		}
		stored, err := s.store.GetChannelByHandle(ctx, ref.Value)
		if err == nil {
			ids = append(ids, stored.ID)
			continue
		}
		meta, err := retry.Do(ctx, s.retry, func(ctx context.Context) (botnet.ChannelMetadata, error) {
			return s.meta.FetchChannelByHandle(ctx, ref.Value)
		})
		if err != nil {
			return nil, botnet.FetchError("resolve watched channel "+ref.String(), err)
		}
		ids = append(ids, meta.ID)
	}
	return ids, nil
}

// Scan pages through videoID's comments and stores every comment whose
// author is in watched. A page fetch error stops paging and keeps what was
// already retained. A storage failure is recorded for that comment only.
func (s *Scanner) Scan(ctx context.Context, videoID string, watched []string) (ScanResult, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ScanResult{}, botnet.ValidationError("scan comments", errors.New("video id is required"))
	}
	set := make(map[string]struct{}, len(watched))
	for _, id := range watched {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		return ScanResult{}, botnet.ValidationError("scan comments", errors.New("no channels to watch"))
	}

	logger := s.logger.With(zap.String("video_id", videoID))
	result := ScanResult{VideoID: videoID, Comments: []botnet.Comment{}}
	err := s.paginate(ctx, videoID, s.cfg.PageLimit, func(page botnet.CommentPage) {
		retained := 0
		for _, c := range page.Comments {
			result.Scanned++
			if _, ok := set[c.ChannelID]; !ok {
				continue
			}
			if c.VideoID == "" {
				c.VideoID = videoID
			}
			c.StoredAt = s.now()
			if err := s.store.UpsertComment(ctx, c); err != nil {
				logger.Warn("store comment failed", zap.String("comment_id", c.Key()), zap.Error(err))
				result.Failures = append(result.Failures, botnet.Failed(c.Key(), storageError("upsert comment", err)))
				continue
			}
			retained++
			result.Comments = append(result.Comments, c)
		}
		result.PagesScanned++
		metrics.ObserveCommentPage(len(page.Comments), retained)
	})
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		logger.Warn("comment paging stopped", zap.Int("pages", result.PagesScanned), zap.Error(err))
		result.Partial = true
		result.PageError = err.Error()
	}

	if len(result.Comments) > 0 {
		video, err := s.recordVideo(ctx, videoID)
		if err != nil {
			logger.Warn("record scanned video failed", zap.Error(err))
			result.Failures = append(result.Failures, botnet.Failed(videoID, err))
		} else {
			result.Video = &video
		}
	}
	logger.Info("comment scan finished",
		zap.Int("pages", result.PagesScanned),
		zap.Int("scanned", result.Scanned),
		zap.Int("retained", len(result.Comments)),
		zap.Bool("partial", result.Partial),
	)
	return result, nil
}

// TopComments returns up to the top-comment page limit of top-level
// comments ordered by relevance. partial reports a page error that ended
// paging early.
func (s *Scanner) TopComments(ctx context.Context, videoID string) (comments []botnet.Comment, partial bool, err error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, false, botnet.ValidationError("top comments", errors.New("video id is required"))
	}
	pageErr := s.paginateOrdered(ctx, videoID, s.cfg.TopPageLimit, botnet.CommentOrderRelevance, func(page botnet.CommentPage) bool {
		for _, c := range page.Comments {
			if c.IsReply {
				continue
			}
			if c.VideoID == "" {
				c.VideoID = videoID
			}
			comments = append(comments, c)
		}
		metrics.ObserveCommentPage(len(page.Comments), 0)
		return len(comments) > 0
	})
	if pageErr != nil {
		if ctx.Err() != nil {
			return comments, true, ctx.Err()
		}
		s.logger.Warn("top comment paging stopped", zap.String("video_id", videoID), zap.Error(pageErr))
		return comments, true, nil
	}
	return comments, false, nil
}

func (s *Scanner) paginate(ctx context.Context, videoID string, limit int, fn func(botnet.CommentPage)) error {
	return s.paginateOrdered(ctx, videoID, limit, s.cfg.Order, func(page botnet.CommentPage) bool {
		fn(page)
		return true
	})
}

// paginateOrdered fetches pages sequentially, each from the previous page's
// continuation token. fn returns false to stop early.
func (s *Scanner) paginateOrdered(ctx context.Context, videoID string, limit int, order botnet.CommentOrder, fn func(botnet.CommentPage) bool) error {
	token := ""
	for i := 0; i < limit; i++ {
		req := botnet.CommentPageRequest{VideoID: videoID, PageToken: token, Order: order}
		page, err := retry.Do(ctx, s.retry, func(ctx context.Context) (botnet.CommentPage, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			start := time.Now()
			page, err := s.meta.FetchCommentsPage(callCtx, req)
			metrics.ObserveUpstreamCall("comments_page", err, time.Since(start))
			if err != nil && botnet.KindOf(err) == botnet.KindInternal && ctx.Err() == nil {
				err = botnet.FetchError("comments page", err)
			}
			return page, err
		})
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		if !fn(page) || page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
	return nil
}

// recordVideo stores the scanned video, with fetched metadata when a video
// adder is configured, and stamps ScannedAt.
func (s *Scanner) recordVideo(ctx context.Context, videoID string) (botnet.Video, error) {
	now := s.now()
	if s.videos != nil {
		if _, err := s.videos.AddVideo(ctx, videoID); err != nil {
			s.logger.Debug("video metadata unavailable", zap.String("video_id", videoID), zap.Error(err))
		}
	}
	video, err := s.store.UpsertVideo(ctx, botnet.Video{
		ID:           videoID,
		ScannedAt:    now,
		DiscoveredAt: now,
		UpdatedAt:    now,
	})
	if err != nil {
		return botnet.Video{}, storageError("upsert video", err)
	}
	return video, nil
}

func (s *Scanner) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func storageError(op string, err error) error {
	if errors.Is(err, botnet.ErrStorage) {
		return err
	}
	return botnet.StorageError(op, err)
}
