package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Storage.URL = "postgres://localhost:5432/convorag"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, EmbeddingProviderLocal, cfg.Embedding.Provider)
	assert.Equal(t, 10, cfg.Storage.PoolSize)
	assert.Equal(t, 20, cfg.Storage.Overflow)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, 0.7, cfg.RAG.MinScore)
	assert.Equal(t, 8000, cfg.RAG.MaxContextChars)
	assert.Equal(t, 24*time.Hour, cfg.Cache.EmbeddingTTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.SearchTTL)
	assert.Equal(t, time.Hour, cfg.Cache.RAGTTL)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 1000, cfg.Chunking.MaxChunkChars)
	assert.Equal(t, 50, cfg.Chunking.MinChunkChars)
	assert.True(t, cfg.Chunking.SplitOnSpeakerChange)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing storage url", func(c *Config) { c.Storage.URL = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown embedding provider", func(c *Config) { c.Embedding.Provider = "quantum" }},
		{"remote embedding without key", func(c *Config) {
			c.Embedding.Provider = EmbeddingProviderRemote
			c.Embedding.APIKey = ""
		}},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "oracle" }},
		{"top_k out of range", func(c *Config) { c.RAG.TopK = 51 }},
		{"min_score out of range", func(c *Config) { c.RAG.MinScore = 1.5 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "tape" }},
		{"chunking max below min", func(c *Config) {
			c.Chunking.MaxChunkChars = 40
			c.Chunking.MinChunkChars = 50
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db:5432/app")
	t.Setenv("CONVORAG_RAG_TOP_K", "10")
	t.Setenv("CONVORAG_CACHE_TTL_SEARCH", "5m")
	t.Setenv("CONVORAG_CHUNKING_SPLIT_ON_SPEAKER_CHANGE", "false")
	t.Setenv("CONVORAG_EMBEDDING_PROVIDER", "remote")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, "postgres://db:5432/app", cfg.Storage.URL)
	assert.Equal(t, 10, cfg.RAG.TopK)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SearchTTL)
	assert.False(t, cfg.Chunking.SplitOnSpeakerChange)
	assert.Equal(t, "remote", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	require.NoError(t, cfg.Validate())
}

func TestExplicitStorageURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://generic")
	t.Setenv("CONVORAG_STORAGE_URL", "postgres://specific")

	cfg := DefaultConfig()
	loadFromEnv(cfg)
	assert.Equal(t, "postgres://specific", cfg.Storage.URL)
}
