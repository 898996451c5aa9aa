// Package retry provides retry with exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts     int              // Maximum number of attempts
	InitialDelay    time.Duration    // Delay before the second attempt
	MaxDelay        time.Duration    // Cap on the delay between attempts
	Multiplier      float64          // Backoff multiplier
	RandomizeFactor float64          // Jitter factor in [0, 1]
	RetryIf         func(error) bool // Predicate deciding whether an error is retryable
	OnRetry         func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the default retry policy: 3 attempts, exponential
// backoff starting at 1 s, doubling, capped at 10 s, with jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.2,
		RetryIf:         func(error) bool { return true },
	}
}

// Retrier executes operations under a retry policy.
type Retrier struct {
	config *Config
}

// New creates a retrier, normalizing out-of-range configuration values.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = func(error) bool { return true }
	}
	return &Retrier{config: config}
}

// Do executes op until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is cancelled. The last error is
// returned.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.config.RetryIf(lastErr) || attempt == r.config.MaxAttempts {
			return lastErr
		}

		wait := r.jitter(delay)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, wait)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * r.config.Multiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}
	return lastErr
}

// jitter spreads the delay by +/- RandomizeFactor.
func (r *Retrier) jitter(d time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return d
	}
	f := float64(d)
	delta := f * r.config.RandomizeFactor
	return time.Duration(f - delta + rand.Float64()*2*delta)
}
