package embeddings

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/retry"
	"convorag/pkg/types"
)

// RetryingProvider wraps a provider with the standard retry policy. Only
// errors marked transient by the adapter are retried; validation and
// authentication failures surface immediately.
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
	config.RetryIf = isTransient
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).
			Msg("retrying embedding request")
	}
	return &RetryingProvider{inner: inner, retrier: retry.New(config)}
}

// Embed delegates with retry.
func (p *RetryingProvider) Embed(ctx context.Context, text string) (types.Embedding, error) {
	var result types.Embedding
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = p.inner.Embed(ctx, text)
		return innerErr
	})
	return result, err
}

// EmbedBatch delegates with retry. The whole batch is retried as a unit; the
// inner provider's dedup keeps the replay cost bounded.
func (p *RetryingProvider) EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error) {
	var results []types.Embedding
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		results, innerErr = p.inner.EmbedBatch(ctx, texts)
		return innerErr
	})
	return results, err
}

// Dimension delegates to the inner provider.
func (p *RetryingProvider) Dimension() int { return p.inner.Dimension() }

// Model delegates to the inner provider.
func (p *RetryingProvider) Model() string { return p.inner.Model() }

// HealthCheck delegates without retry.
func (p *RetryingProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}

// isTransient reports whether an error is worth retrying.
func isTransient(err error) bool {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}
