// Package vision classifies profile images with Cloud Vision SafeSearch.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	visionapi "google.golang.org/api/vision/v1"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

const (
	upstreamKey        = "vision"
	featureSafeSearch  = "SAFE_SEARCH_DETECTION"
	defaultCallTimeout = 20 * time.Second
)

// flaggedLikelihoods are the SafeSearch ratings treated as explicit.
var flaggedLikelihoods = map[string]struct{}{
	"LIKELY":      {},
	"VERY_LIKELY": {},
}

// Waiter throttles calls against a shared quota.
type Waiter interface {
	Wait(ctx context.Context, upstream string) error
}

// Config selects credentials. With no APIKey and no Endpoint, application
// default credentials are used.
type Config struct {
	APIKey      string
	Endpoint    string
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// Checker implements botnet.ImageSafetyChecker.
type Checker struct {
	service *visionapi.Service
	limiter Waiter
	timeout time.Duration
	logger  *zap.Logger
}

var _ botnet.ImageSafetyChecker = (*Checker)(nil)

// New builds a Checker. limiter may be nil.
func New(ctx context.Context, cfg Config, limiter Waiter, logger *zap.Logger) (*Checker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	service, err := visionapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision service: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Checker{
		service: service,
		limiter: limiter,
		timeout: timeout,
		logger:  logger.Named("vision"),
	}, nil
}

// IsFlagged reports whether the image at imageURL is rated LIKELY or
// VERY_LIKELY for adult or racy content.
func (c *Checker) IsFlagged(ctx context.Context, imageURL string) (bool, error) {
	const op = "vision safe search"
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return false, botnet.ValidationError(op, errors.New("empty image url"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, upstreamKey); err != nil {
			return false, botnet.FetchError(op, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &visionapi.BatchAnnotateImagesRequest{
		Requests: []*visionapi.AnnotateImageRequest{{
			Image:    &visionapi.Image{Source: &visionapi.ImageSource{ImageUri: imageURL}},
			Features: []*visionapi.Feature{{Type: featureSafeSearch}},
		}},
	}
	start := time.Now()
	resp, err := c.service.Images.Annotate(req).Context(callCtx).Do()
	metrics.ObserveUpstreamCall("vision_safe_search", err, time.Since(start))
	if err != nil {
		return false, botnet.FetchError(op, err)
	}
	if len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return false, botnet.FetchError(op, errors.New("empty annotate response"))
	}
	result := resp.Responses[0]
	if result.Error != nil && result.Error.Message != "" {
		return false, botnet.FetchError(op, fmt.Errorf("annotate %s: %s", imageURL, result.Error.Message))
	}
	flagged := isExplicit(result.SafeSearchAnnotation)
	c.logger.Debug("image classified", zap.String("image_url", imageURL), zap.Bool("flagged", flagged))
	return flagged, nil
}

func isExplicit(a *visionapi.SafeSearchAnnotation) bool {
	if a == nil {
		return false
	}
	_, adult := flaggedLikelihoods[a.Adult]
	_, racy := flaggedLikelihoods[a.Racy]
	return adult || racy
}
