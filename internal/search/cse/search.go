// Package cse finds pages that mention a domain or a channel URL using the
// Google Custom Search JSON API.
package cse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

const (
	upstreamKey        = "cse"
	defaultResults     = 5
	maxResults         = 10
	defaultCallTimeout = 20 * time.Second
)

// Waiter throttles calls against a shared quota.
type Waiter interface {
	Wait(ctx context.Context, upstream string) error
}

// Config holds the search engine identity and credentials.
type Config struct {
	APIKey           string
	EngineID         string
	ResultsPerDomain int
	Endpoint         string
	CallTimeout      time.Duration
	HTTPClient       *http.Client
}

// Searcher implements botnet.SinkSearcher.
type Searcher struct {
	service  *customsearch.Service
	engineID string
	results  int64
	limiter  Waiter
	timeout  time.Duration
	logger   *zap.Logger
}

var _ botnet.SinkSearcher = (*Searcher)(nil)

// New builds a Searcher. limiter may be nil.
func New(ctx context.Context, cfg Config, limiter Waiter, logger *zap.Logger) (*Searcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.EngineID) == "" {
		return nil, errors.New("cse engine id is required")
	}
	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithoutAuthentication())
	default:
		return nil, errors.New("cse api key is required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	service, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create custom search service: %w", err)
	}
	results := cfg.ResultsPerDomain
	if results <= 0 {
		results = defaultResults
	}
	if results > maxResults {
		results = maxResults
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Searcher{
		service:  service,
		engineID: cfg.EngineID,
		results:  int64(results),
		limiter:  limiter,
		timeout:  timeout,
		logger:   logger.Named("cse"),
	}, nil
}

// SearchDomain runs an exact-phrase search for domain and returns the hits.
func (s *Searcher) SearchDomain(ctx context.Context, domain string) ([]botnet.SearchResult, error) {
	return s.search(ctx, "cse search "+domain, domain)
}

// SearchChannelURL runs an exact-phrase search for a channel page URL. The
// hits are pages, usually other channels, that link to that channel.
func (s *Searcher) SearchChannelURL(ctx context.Context, channelURL string) ([]botnet.SearchResult, error) {
	return s.search(ctx, "cse search channel "+channelURL, channelURL)
}

func (s *Searcher) search(ctx context.Context, op, phrase string) ([]botnet.SearchResult, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, botnet.ValidationError(op, errors.New("empty search phrase"))
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, upstreamKey); err != nil {
			return nil, botnet.FetchError(op, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `"` + phrase + `"`
	start := time.Now()
	resp, err := s.service.Cse.List().
		Cx(s.engineID).
		Q(query).
		ExactTerms(query).
		Num(s.results).
		Context(callCtx).
		Do()
	metrics.ObserveUpstreamCall("cse_search", err, time.Since(start))
	if err != nil {
		return nil, botnet.FetchError(op, err)
	}
	out := make([]botnet.SearchResult, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Link == "" {
			continue
		}
		out = append(out, botnet.SearchResult{Link: item.Link, Title: item.Title, Snippet: item.Snippet})
	}
	s.logger.Debug("phrase searched", zap.String("phrase", phrase), zap.Int("results", len(out)))
	return out, nil
}
