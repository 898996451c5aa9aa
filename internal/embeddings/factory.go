package embeddings

import (
	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/circuitbreaker"
	"convorag/internal/config"
	"convorag/internal/retry"
)

// NewFromConfig builds the embedding provider selected by configuration.
// Remote providers are wrapped with the standard retry policy and a circuit
// breaker; the local provider is deterministic and needs neither. Cache wrapping is the caller's
// concern so the decorator order stays visible at the composition root.
func NewFromConfig(cfg *config.EmbeddingConfig, logger zerolog.Logger) (Provider, error) {
	switch cfg.Provider {
	case config.EmbeddingProviderLocal:
		return NewLocalProvider(cfg.Dimension)

	case config.EmbeddingProviderRemote:
		provider, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			Dimension:      cfg.Dimension,
			MaxBatchSize:   cfg.MaxBatchSize,
			MaxConcurrency: cfg.MaxConcurrency,
		})
		if err != nil {
			return nil, err
		}
		retrying := NewRetryingProvider(provider, retry.DefaultConfig(), logger)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(), logger)
		return NewBreakerProvider(retrying, breaker), nil

	default:
		return nil, apperrors.Validation("unknown embedding provider: %q", cfg.Provider)
	}
}
