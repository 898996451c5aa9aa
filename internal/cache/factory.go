package cache

import (
	"context"

	"github.com/rs/zerolog"

	"convorag/internal/config"
)

// NewFromConfig builds the cache selected by configuration. When the
// distributed backend is unreachable at initialization, the in-process
// variant is returned instead and a warning is logged: a degraded cache is
// preferable to a dead service.
func NewFromConfig(ctx context.Context, cfg *config.CacheConfig, logger zerolog.Logger) (Cache, error) {
	if !cfg.Enabled {
		return NewNoopCache(), nil
	}

	if cfg.Backend == config.CacheBackendDistributed {
		redisCache, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
		if err == nil {
			return redisCache, nil
		}
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("distributed cache unreachable, falling back to in-process cache")
	}

	return NewMemoryCache(cfg.MaxSize)
}
