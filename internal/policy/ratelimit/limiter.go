// Package ratelimit implements token-bucket limits keyed by upstream, so
// every client of the same quota shares one bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

// Limiter manages per-upstream rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]float64
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. Overrides maps an upstream key
// (youtube, cse, vision, liveness) to its own requests-per-second.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Overrides    map[string]float64
}

// New creates a new Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]float64, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[k] = v
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for upstream, respecting ctx.
// A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context, upstream string) error {
	if l == nil {
		return nil
	}
	limiter := l.bucket(upstream)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", upstream, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(upstream, waited)
	}
	return nil
}

func (l *Limiter) bucket(upstream string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[upstream]
	if !ok {
		r := l.defaultRate
		if rps, set := l.overrides[upstream]; set {
			r = toLimit(rps)
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[upstream] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
