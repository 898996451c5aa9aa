package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/retry"
)

// RetryingProvider wraps a provider with the standard retry policy. Streaming
// requests are only retried while establishing the stream; once deltas have
// started flowing a failure surfaces to the consumer.
type RetryingProvider struct {
	inner   Provider
	retrier *retry.Retrier
}

// NewRetryingProvider wraps inner with retry. A nil config uses the default
// policy.
func NewRetryingProvider(inner Provider, config *retry.Config, logger zerolog.Logger) *RetryingProvider {
	if config == nil {
		config = retry.DefaultConfig()
	}
	config.RetryIf = func(err error) bool {
		var ae *apperrors.Error
		return errors.As(err, &ae) && ae.Transient
	}
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Msg("retrying llm request")
	}
	return &RetryingProvider{inner: inner, retrier: retry.New(config)}
}

// Generate delegates with retry.
func (p *RetryingProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = p.inner.Generate(ctx, req)
		return innerErr
	})
	return result, err
}

// GenerateStream retries stream establishment only.
func (p *RetryingProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	var stream <-chan Chunk
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		stream, innerErr = p.inner.GenerateStream(ctx, req)
		return innerErr
	})
	return stream, err
}

// Model delegates to the inner provider.
func (p *RetryingProvider) Model() string { return p.inner.Model() }

// HealthCheck delegates without retry.
func (p *RetryingProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}
