package llm

import (
	"context"
	"errors"

	"convorag/internal/apperrors"
	"convorag/internal/circuitbreaker"
)

// BreakerProvider guards a remote provider with a circuit breaker. When the
// backend keeps failing after retries, further calls are rejected with a
// transient error until the cooldown elapses. Permanent errors such as
// validation rejections never move the circuit.
type BreakerProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// NewBreakerProvider wraps inner with the given breaker.
func NewBreakerProvider(inner Provider, breaker *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: breaker}
}

func errRejected() *apperrors.Error {
	err := apperrors.New(apperrors.KindLLM, "llm provider temporarily unavailable")
	err.Transient = true
	return err
}

// Generate delegates when the circuit allows it.
func (p *BreakerProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	if !p.breaker.Allow() {
		return nil, errRejected()
	}
	result, err := p.inner.Generate(ctx, req)
	p.breaker.Record(isTransientFailure(err))
	return result, err
}

// GenerateStream counts only stream establishment against the circuit;
// mid-stream failures belong to the consumer.
func (p *BreakerProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if !p.breaker.Allow() {
		return nil, errRejected()
	}
	stream, err := p.inner.GenerateStream(ctx, req)
	p.breaker.Record(isTransientFailure(err))
	return stream, err
}

// Model delegates to the inner provider.
func (p *BreakerProvider) Model() string { return p.inner.Model() }

// HealthCheck delegates without consulting the circuit.
func (p *BreakerProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}

func isTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperrors.Error
	return errors.As(err, &ae) && ae.Transient
}
