// Package collyfetcher checks whether linked domains still serve content,
// using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 64 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Checker implements botnet.DomainChecker with a Colly collector. A domain is
// alive when its root answers with any status below 500 over HTTPS or,
// failing that, plain HTTP.
type Checker struct {
	cfg         Config
	transport   http.RoundTripper
	robotsRetry *retry.Policy
	logger      *zap.Logger
}

var _ botnet.DomainChecker = (*Checker)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visitResult is filled in by the collector callbacks.
type visitResult struct {
	status int
	err    error
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:         cfg,
		transport:   newHTTPTransport(),
		robotsRetry: defaultRobotsRetry(),
		logger:      logger.Named("liveness"),
	}
}

// Alive reports whether domain answers. Network failures mean not alive;
// only caller cancellation is returned as an error.
func (p *Checker) Alive(ctx context.Context, domain string) (bool, error) {
	name := identity.NormalizeDomain(domain)
	if name == "" {
		return false, botnet.ValidationError("check domain", errors.New("empty domain"))
	}
	start := time.Now()
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		res, err := p.visit(ctx, scheme+"://"+name+"/")
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveUpstreamCall("liveness", ctxErr, time.Since(start))
			return false, botnet.FetchError("check "+name, ctxErr)
		}
		if err != nil {
			lastErr = err
			continue
		}
		metrics.ObserveUpstreamCall("liveness", nil, time.Since(start))
		alive := res.status > 0 && res.status < http.StatusInternalServerError
		p.logger.Debug("domain checked",
			zap.String("domain", name),
			zap.String("scheme", scheme),
			zap.Int("status", res.status),
			zap.Bool("alive", alive),
		)
		return alive, nil
	}
	metrics.ObserveUpstreamCall("liveness", lastErr, time.Since(start))
	p.logger.Info("domain unreachable", zap.String("domain", name), zap.Error(lastErr))
	return false, nil
}

func (p *Checker) visit(ctx context.Context, target string) (visitResult, error) {
	var result visitResult
	collector, robots := p.buildCollector(ctx, &result)
	if err := p.runCollector(ctx, collector, target, &result); err != nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			// robots.txt answered, so the host is serving.
			return visitResult{status: http.StatusOK}, nil
		}
		return visitResult{}, err
	}
	if robots != nil && robots.fellBack.Load() {
		p.logger.Debug("robots.txt unreachable, treated as allow-all", zap.String("url", target))
	}
	return result, nil
}

// buildCollector creates a fresh collector per check. Cloned collectors share
// one HTTP client, so per-check transports cannot be installed on clones.
func (p *Checker) buildCollector(ctx context.Context, result *visitResult) (*colly.Collector, *robotsTransport) {
	collector := colly.NewCollector(colly.Async(false), colly.ParseHTTPErrorResponse(), colly.StdlibContext(ctx))
	collector.MaxBodySize = defaultMaxBodySize
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !p.cfg.RespectRobots
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	var robots *robotsTransport
	baseTransport := p.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport()
	}
	if p.cfg.RespectRobots {
		robots = &robotsTransport{base: baseTransport, policy: p.robotsRetry}
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(baseTransport)
	}

	configureCollectorHooks(collector, result)
	return collector, robots
}

func configureCollectorHooks(hooks collectorHooks, result *visitResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.status = r.StatusCode
			return
		}
		result.err = err
	})
}

func (p *Checker) runCollector(ctx context.Context, collector *colly.Collector, url string, result *visitResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && result.status == 0 {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if result.err != nil {
			return fmt.Errorf("colly response failed: %w", result.err)
		}
		if result.status == 0 {
			return errors.New("colly visit: no response")
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

