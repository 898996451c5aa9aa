package llm

import (
	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/circuitbreaker"
	"convorag/internal/config"
	"convorag/internal/retry"
)

// NewFromConfig builds the LLM provider selected by configuration, wrapped
// with the standard retry policy and a circuit breaker.
func NewFromConfig(cfg *config.LLMConfig, logger zerolog.Logger) (Provider, error) {
	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		provider, err = NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case config.LLMProviderAnthropic:
		provider, err = NewAnthropicProvider(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case config.LLMProviderLocal:
		provider, err = NewOllamaProvider(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, apperrors.Validation("unknown llm provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	retrying := NewRetryingProvider(provider, retry.DefaultConfig(), logger)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(), logger)
	return NewBreakerProvider(retrying, breaker), nil
}
