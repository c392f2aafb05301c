// Package retry wraps flaky upstream calls in a bounded, jittered
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// Policy implements bounded retries with jittered exponential backoff. The
// waits come from backoff.ExponentialBackOff with a 0.5 randomization factor.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   func(error) bool
}

// NewPolicy builds a policy. Non-positive arguments fall back to 3 attempts,
// 250ms and 5s.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		retryable:   botnet.Retryable,
	}
}

// NoRetry returns a policy that runs each call exactly once.
func NoRetry() *Policy {
	return &Policy{maxAttempts: 1, retryable: botnet.Retryable}
}

// MaxAttempts reports the total number of attempts allowed.
func (p *Policy) MaxAttempts() int {
	if p == nil {
		return 1
	}
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is allowed after err on the
// given 1-based attempt. Only fetch failures are retried.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if p == nil || err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	return p.retryable(err)
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p == nil {
		b.InitialInterval = 0
		return b
	}
	b.InitialInterval = p.baseDelay
	b.MaxInterval = p.maxDelay
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error from fn is returned.
func Do[T any](ctx context.Context, p *Policy, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		attempt int
		lastErr error
	)
	operation := func() (T, error) {
		attempt++
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts())),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return out, nil
	}
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, err
}
