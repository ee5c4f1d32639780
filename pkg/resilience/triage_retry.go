// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // delay before the second attempt (default: 500ms)
	MaxDelay    time.Duration // cap for a single delay (default: 10s)
	MaxJitter   time.Duration // random extra delay (default: 250ms)
	// Retryable decides whether err deserves another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the retry policy used for fetch and annotate calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Backoff returns base * 2^(attempt-1) capped at max, attempt starting at 1.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || (max > 0 && d > max) {
		return max
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. It returns the last error and the number of attempts made.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= cfg.MaxAttempts || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return attempt, err
		}

		delay := Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)
		if cfg.MaxJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
