package embeddings

import (
	"context"
	"errors"

	"convorag/internal/apperrors"
	"convorag/internal/circuitbreaker"
	"convorag/pkg/types"
)

// BreakerProvider guards a remote embedding backend with a circuit breaker.
// Only transient failures count toward opening the circuit; rejections
// surface as transient errors so callers can retry later.
type BreakerProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// NewBreakerProvider wraps inner with the given breaker.
func NewBreakerProvider(inner Provider, breaker *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: breaker}
}

func errEmbeddingRejected() *apperrors.Error {
	err := apperrors.New(apperrors.KindEmbedding, "embedding provider temporarily unavailable")
	err.Transient = true
	return err
}

// Embed delegates when the circuit allows it.
func (p *BreakerProvider) Embed(ctx context.Context, text string) (types.Embedding, error) {
	if !p.breaker.Allow() {
		return types.Embedding{}, errEmbeddingRejected()
	}
	embedding, err := p.inner.Embed(ctx, text)
	p.breaker.Record(isTransientEmbeddingFailure(err))
	return embedding, err
}

// EmbedBatch delegates when the circuit allows it; one batch is one call
// against the circuit.
func (p *BreakerProvider) EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error) {
	if !p.breaker.Allow() {
		return nil, errEmbeddingRejected()
	}
	embeddings, err := p.inner.EmbedBatch(ctx, texts)
	p.breaker.Record(isTransientEmbeddingFailure(err))
	return embeddings, err
}

// Dimension delegates to the inner provider.
func (p *BreakerProvider) Dimension() int { return p.inner.Dimension() }

// Model delegates to the inner provider.
func (p *BreakerProvider) Model() string { return p.inner.Model() }

// HealthCheck delegates without consulting the circuit.
func (p *BreakerProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}

func isTransientEmbeddingFailure(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperrors.Error
	return errors.As(err, &ae) && ae.Transient
}
