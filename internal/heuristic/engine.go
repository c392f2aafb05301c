// Package heuristic decides which comment authors are bots. A comment must
// clear a like-count filter, a name-dictionary gate and an image-safety gate,
// in that order, before its author is promoted into the graph.
package heuristic

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/orchestrator"
)

// Gate names used in logs and metrics.
const (
	GateLikes = "likes"
	GateName  = "name"
	GateImage = "image"
)

// CommentSource returns a video's top-level comments ordered by relevance.
type CommentSource interface {
	TopComments(ctx context.Context, videoID string) ([]botnet.Comment, bool, error)
}

// Promoter writes a flagged author into the graph.
type Promoter interface {
	PromoteBot(ctx context.Context, channelID, videoID string) (orchestrator.CrawlResult, error)
}

// DetectResult reports one detection pass over a video.
type DetectResult struct {
	VideoID    string               `json:"video_id"`
	Considered int                  `json:"considered"`
	Flagged    []string             `json:"flagged_channel_ids"`
	KnownBots  []string             `json:"known_bot_channel_ids,omitempty"`
	Failures   []botnet.ItemOutcome `json:"failures,omitempty"`
	Partial    bool                 `json:"partial"`
}

// Engine applies the bot gates to a video's top comments.
type Engine struct {
	comments     CommentSource
	names        botnet.NameSuspicionChecker
	images       botnet.ImageSafetyChecker
	promoter     Promoter
	store        botnet.GraphStore
	imageTimeout time.Duration
	logger       *zap.Logger
}

// New builds an Engine. store is consulted to skip authors already flagged
// and may be nil.
func New(
	comments CommentSource,
	names botnet.NameSuspicionChecker,
	images botnet.ImageSafetyChecker,
	promoter Promoter,
	store botnet.GraphStore,
	imageTimeout time.Duration,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if imageTimeout <= 0 {
		imageTimeout = 15 * time.Second
	}
	return &Engine{
		comments:     comments,
		names:        names,
		images:       images,
		promoter:     promoter,
		store:        store,
		imageTimeout: imageTimeout,
		logger:       logger.Named("heuristic"),
	}
}

// DetectBots reads videoRef's top comments and promotes every author whose
// comment has at least likeThreshold likes and who passes both gates. Each
// author is evaluated once per call.
func (e *Engine) DetectBots(ctx context.Context, videoRef string, likeThreshold int64) (DetectResult, error) {
	video, err := identity.ResolveVideo(videoRef)
	if err != nil {
		return DetectResult{}, err
	}
	if likeThreshold < 0 {
		return DetectResult{}, botnet.ValidationError("detect bots", errors.New("like threshold must not be negative"))
	}
	logger := e.logger.With(zap.String("video_id", video.ID))

	comments, partial, err := e.comments.TopComments(ctx, video.ID)
	if err != nil {
		return DetectResult{}, err
	}
	result := DetectResult{VideoID: video.ID, Flagged: []string{}, Partial: partial}
	seen := make(map[string]struct{})

	for _, c := range comments {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if c.LikeCount < likeThreshold {
			metrics.ObserveGateRejection(GateLikes)
			continue
		}
		author := strings.TrimSpace(c.ChannelID)
		if author == "" {
			continue
		}
		if _, ok := seen[author]; ok {
			continue
		}
		seen[author] = struct{}{}
		result.Considered++

		if !e.names.IsSuspicious(c.AuthorDisplayName) {
			metrics.ObserveGateRejection(GateName)
			continue
		}
		if e.knownBot(ctx, author) {
			result.KnownBots = append(result.KnownBots, author)
			continue
		}
		flagged, err := e.imageFlagged(ctx, c.AuthorProfileImageURL)
		if err != nil {
			logger.Warn("image check failed", zap.String("channel_id", author), zap.Error(err))
			result.Failures = append(result.Failures, botnet.Failed(author, err))
			continue
		}
		if !flagged {
			metrics.ObserveGateRejection(GateImage)
			continue
		}
		if _, err := e.promoter.PromoteBot(ctx, author, video.ID); err != nil {
			logger.Warn("promote bot failed", zap.String("channel_id", author), zap.Error(err))
			result.Failures = append(result.Failures, botnet.Failed(author, err))
			continue
		}
		logger.Info("bot flagged", zap.String("channel_id", author), zap.String("display_name", c.AuthorDisplayName))
		result.Flagged = append(result.Flagged, author)
	}

	logger.Info("bot detection finished",
		zap.Int("comments", len(comments)),
		zap.Int("considered", result.Considered),
		zap.Int("flagged", len(result.Flagged)),
		zap.Bool("partial", result.Partial),
	)
	return result, nil
}

func (e *Engine) imageFlagged(ctx context.Context, imageURL string) (bool, error) {
	if strings.TrimSpace(imageURL) == "" {
		return false, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.imageTimeout)
	defer cancel()
	start := time.Now()
	flagged, err := e.images.IsFlagged(callCtx, imageURL)
	metrics.ObserveUpstreamCall("image_safety", err, time.Since(start))
	if err != nil {
		if botnet.KindOf(err) == botnet.KindInternal {
			err = botnet.FetchError("image safety", err)
		}
		return false, err
	}
	return flagged, nil
}

func (e *Engine) knownBot(ctx context.Context, channelID string) bool {
	if e.store == nil {
		return false
	}
	ch, err := e.store.GetChannel(ctx, channelID)
	return err == nil && ch.IsBot
}
