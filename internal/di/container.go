// Package di provides the dependency injection container: configuration in,
// ready-to-use orchestrators out. All construction and decorator ordering
// lives here so the rest of the codebase stays free of wiring concerns.
package di

import (
	"bytes"
	"context"
	"errors"

	"github.com/rs/zerolog"

	"convorag/internal/cache"
	"convorag/internal/chunking"
	"convorag/internal/config"
	"convorag/internal/embeddings"
	"convorag/internal/ingest"
	"convorag/internal/llm"
	"convorag/internal/logging"
	"convorag/internal/rag"
	"convorag/internal/search"
	"convorag/internal/storage"
)

var errCacheRoundTrip = errors.New("cache set/get round trip failed")

// Container holds all application dependencies.
type Container struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Cache    cache.Cache
	Embedder embeddings.Provider
	LLM      llm.Provider
	Store    storage.Store
	Chunker  *chunking.Chunker
	Search   *search.Service
	Ingest   *ingest.Service
	RAG      *rag.Service
}

// NewContainer builds the full object graph in dependency order. Any failure
// tears down what was already built.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	appCache, err := cache.NewFromConfig(ctx, &cfg.Cache, logging.WithComponent(logger, "cache"))
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewFromConfig(&cfg.Embedding, logging.WithComponent(logger, "embeddings"))
	if err != nil {
		_ = appCache.Close()
		return nil, err
	}
	embedder = embeddings.NewCachedProvider(embedder, appCache, cfg.Cache.EmbeddingTTL)

	llmProvider, err := llm.NewFromConfig(&cfg.LLM, logging.WithComponent(logger, "llm"))
	if err != nil {
		_ = appCache.Close()
		return nil, err
	}

	store, err := storage.NewPostgresStore(ctx, &cfg.Storage, cfg.Embedding.Dimension,
		logging.WithComponent(logger, "storage"))
	if err != nil {
		_ = appCache.Close()
		return nil, err
	}

	chunker, err := chunking.New(chunking.Params{
		MaxChunkChars:        cfg.Chunking.MaxChunkChars,
		MinChunkChars:        cfg.Chunking.MinChunkChars,
		SplitOnSpeakerChange: cfg.Chunking.SplitOnSpeakerChange,
	})
	if err != nil {
		store.Close()
		_ = appCache.Close()
		return nil, err
	}

	searchSvc := search.NewService(embedder, store, appCache, cfg.Cache.SearchTTL,
		logging.WithComponent(logger, "search"))

	ingestSvc := ingest.NewService(chunker, embedder, store, searchSvc,
		cfg.RAG.PartialEmbeddings, logging.WithComponent(logger, "ingest"))

	ragSvc := rag.NewService(searchSvc, llmProvider, store, appCache, cfg.Cache.RAGTTL,
		rag.Params{
			TopK:            cfg.RAG.TopK,
			MinScore:        cfg.RAG.MinScore,
			MaxContextChars: cfg.RAG.MaxContextChars,
			Temperature:     cfg.LLM.Temperature,
			MaxTokens:       cfg.LLM.MaxTokens,
		},
		cfg.RAG.MaxHistoryTurns,
		logging.WithComponent(logger, "rag"))

	return &Container{
		Config:   cfg,
		Logger:   logger,
		Cache:    appCache,
		Embedder: embedder,
		LLM:      llmProvider,
		Store:    store,
		Chunker:  chunker,
		Search:   searchSvc,
		Ingest:   ingestSvc,
		RAG:      ragSvc,
	}, nil
}

// ComponentHealth is the status of one component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthCheck probes every component: a storage round-trip query, the
// embedding provider in cheap mode, the LLM provider's configuration, and a
// cache set/get round trip.
func (c *Container) HealthCheck(ctx context.Context) map[string]ComponentHealth {
	return map[string]ComponentHealth{
		"storage":    toHealth(c.Store.HealthCheck(ctx)),
		"embeddings": toHealth(c.Embedder.HealthCheck(ctx)),
		"llm":        toHealth(c.LLM.HealthCheck(ctx)),
		"cache":      toHealth(c.cacheRoundTrip(ctx)),
	}
}

// OverallHealthy reports whether the critical components in a health report
// are up. The cache is advisory and never fails the service.
func OverallHealthy(health map[string]ComponentHealth) bool {
	return health["storage"].Healthy && health["embeddings"].Healthy && health["llm"].Healthy
}

// Healthy runs the full health check and reduces it to a single verdict.
func (c *Container) Healthy(ctx context.Context) bool {
	return OverallHealthy(c.HealthCheck(ctx))
}

func (c *Container) cacheRoundTrip(ctx context.Context) error {
	if !c.Config.Cache.Enabled {
		return nil
	}
	key := cache.BuildKey("health", "probe")
	want := []byte("ok")
	c.Cache.Set(ctx, key, want, 0)
	got, _ := c.Cache.Get(ctx, key)
	c.Cache.Delete(ctx, key)
	if !bytes.Equal(got, want) {
		return errCacheRoundTrip
	}
	return nil
}

// Shutdown releases all held resources. Safe to call once.
func (c *Container) Shutdown() {
	c.Store.Close()
	if err := c.Cache.Close(); err != nil {
		c.Logger.Warn().Err(err).Msg("closing cache")
	}
	c.Logger.Info().Msg("container shut down")
}

func toHealth(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Healthy: false, Error: err.Error()}
	}
	return ComponentHealth{Healthy: true}
}
