// Package config loads and validates the application configuration from
// defaults and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Embedding provider names.
const (
	EmbeddingProviderLocal  = "local"
	EmbeddingProviderRemote = "remote"
)

// LLM provider names.
const (
	LLMProviderOpenAI    = "openai"
	LLMProviderAnthropic = "anthropic"
	LLMProviderLocal     = "local"
)

// Cache backend names.
const (
	CacheBackendMemory      = "memory"
	CacheBackendDistributed = "distributed"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Embedding EmbeddingConfig `json:"embedding"`
	LLM       LLMConfig       `json:"llm"`
	RAG       RAGConfig       `json:"rag"`
	Cache     CacheConfig     `json:"cache"`
	Chunking  ChunkingConfig  `json:"chunking"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`

	// RateLimit is the number of requests allowed per client per minute;
	// zero disables rate limiting.
	RateLimit int `json:"rate_limit_per_minute"`
}

// StorageConfig holds the Postgres connection settings.
type StorageConfig struct {
	URL      string `json:"-"` // Never serialize the connection string
	PoolSize int    `json:"pool_size"`
	Overflow int    `json:"overflow"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Dimension      int    `json:"dimension"`
	APIKey         string `json:"-"` // Never serialize API keys
	BaseURL        string `json:"base_url,omitempty"`
	MaxBatchSize   int    `json:"max_batch_size"`
	MaxConcurrency int    `json:"max_concurrency"`
	RequestTimeout int    `json:"request_timeout_seconds"`
}

// LLMConfig selects and configures the LLM provider.
type LLMConfig struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	APIKey         string  `json:"-"`
	BaseURL        string  `json:"base_url,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	RequestTimeout int     `json:"request_timeout_seconds"`
}

// RAGConfig holds retrieval and prompt budget settings.
type RAGConfig struct {
	TopK              int     `json:"top_k"`
	MinScore          float64 `json:"min_score"`
	MaxContextChars   int     `json:"max_context_chars"`
	MaxHistoryTurns   int     `json:"max_history_turns"`
	PartialEmbeddings bool    `json:"partial_embeddings"`
}

// CacheConfig selects and configures the cache layer.
type CacheConfig struct {
	Enabled      bool          `json:"enabled"`
	Backend      string        `json:"backend"`
	MaxSize      int           `json:"max_size"`
	RedisAddr    string        `json:"redis_addr"`
	RedisDB      int           `json:"redis_db"`
	EmbeddingTTL time.Duration `json:"embedding_ttl"`
	SearchTTL    time.Duration `json:"search_ttl"`
	RAGTTL       time.Duration `json:"rag_ttl"`
}

// ChunkingConfig holds chunking algorithm parameters.
type ChunkingConfig struct {
	MaxChunkChars        int  `json:"max_chunk_chars"`
	MinChunkChars        int  `json:"min_chunk_chars"`
	SplitOnSpeakerChange bool `json:"split_on_speaker_change"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
			RateLimit:    300,
		},
		Storage: StorageConfig{
			PoolSize: 10,
			Overflow: 20,
		},
		Embedding: EmbeddingConfig{
			Provider:       EmbeddingProviderLocal,
			Model:          "text-embedding-3-small",
			Dimension:      1536,
			MaxBatchSize:   2048,
			MaxConcurrency: 4,
			RequestTimeout: 60,
		},
		LLM: LLMConfig{
			Provider:       LLMProviderOpenAI,
			Model:          "gpt-4o-mini",
			Temperature:    0.7,
			MaxTokens:      1024,
			RequestTimeout: 120,
		},
		RAG: RAGConfig{
			TopK:            5,
			MinScore:        0.7,
			MaxContextChars: 8000,
			MaxHistoryTurns: 10,
		},
		Cache: CacheConfig{
			Enabled:      true,
			Backend:      CacheBackendMemory,
			MaxSize:      10000,
			RedisAddr:    "localhost:6379",
			EmbeddingTTL: 24 * time.Hour,
			SearchTTL:    30 * time.Minute,
			RAGTTL:       time.Hour,
		},
		Chunking: ChunkingConfig{
			MaxChunkChars:        1000,
			MinChunkChars:        50,
			SplitOnSpeakerChange: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from defaults, an optional .env file and
// environment variables, then validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadServerConfig(cfg)
	loadStorageConfig(cfg)
	loadEmbeddingConfig(cfg)
	loadLLMConfig(cfg)
	loadRAGConfig(cfg)
	loadCacheConfig(cfg)
	loadChunkingConfig(cfg)
	loadLoggingConfig(cfg)
}

func loadServerConfig(cfg *Config) {
	setString(&cfg.Server.Host, "CONVORAG_HOST")
	setInt(&cfg.Server.Port, "CONVORAG_PORT")
	setInt(&cfg.Server.ReadTimeout, "CONVORAG_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeout, "CONVORAG_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.RateLimit, "CONVORAG_RATE_LIMIT_PER_MINUTE")
}

func loadStorageConfig(cfg *Config) {
	setString(&cfg.Storage.URL, "CONVORAG_STORAGE_URL")
	if cfg.Storage.URL == "" {
		setString(&cfg.Storage.URL, "DATABASE_URL")
	}
	setInt(&cfg.Storage.PoolSize, "CONVORAG_STORAGE_POOL_SIZE")
	setInt(&cfg.Storage.Overflow, "CONVORAG_STORAGE_OVERFLOW")
}

func loadEmbeddingConfig(cfg *Config) {
	setString(&cfg.Embedding.Provider, "CONVORAG_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "CONVORAG_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimension, "CONVORAG_EMBEDDING_DIMENSION")
	setString(&cfg.Embedding.APIKey, "CONVORAG_EMBEDDING_API_KEY")
	if cfg.Embedding.APIKey == "" {
		setString(&cfg.Embedding.APIKey, "OPENAI_API_KEY")
	}
	setString(&cfg.Embedding.BaseURL, "CONVORAG_EMBEDDING_BASE_URL")
	setInt(&cfg.Embedding.MaxBatchSize, "CONVORAG_EMBEDDING_MAX_BATCH_SIZE")
	setInt(&cfg.Embedding.MaxConcurrency, "CONVORAG_EMBEDDING_MAX_CONCURRENCY")
	setInt(&cfg.Embedding.RequestTimeout, "CONVORAG_EMBEDDING_REQUEST_TIMEOUT_SECONDS")
}

func loadLLMConfig(cfg *Config) {
	setString(&cfg.LLM.Provider, "CONVORAG_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "CONVORAG_LLM_MODEL")
	setString(&cfg.LLM.APIKey, "CONVORAG_LLM_API_KEY")
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case LLMProviderAnthropic:
			setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
		default:
			setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
		}
	}
	setString(&cfg.LLM.BaseURL, "CONVORAG_LLM_BASE_URL")
	setFloat(&cfg.LLM.Temperature, "CONVORAG_LLM_TEMPERATURE")
	setInt(&cfg.LLM.MaxTokens, "CONVORAG_LLM_MAX_TOKENS")
	setInt(&cfg.LLM.RequestTimeout, "CONVORAG_LLM_REQUEST_TIMEOUT_SECONDS")
}

func loadRAGConfig(cfg *Config) {
	setInt(&cfg.RAG.TopK, "CONVORAG_RAG_TOP_K")
	setFloat(&cfg.RAG.MinScore, "CONVORAG_RAG_MIN_SCORE")
	setInt(&cfg.RAG.MaxContextChars, "CONVORAG_RAG_MAX_CONTEXT_CHARS")
	setInt(&cfg.RAG.MaxHistoryTurns, "CONVORAG_RAG_MAX_HISTORY_TURNS")
	setBool(&cfg.RAG.PartialEmbeddings, "CONVORAG_RAG_PARTIAL_EMBEDDINGS")
}

func loadCacheConfig(cfg *Config) {
	setBool(&cfg.Cache.Enabled, "CONVORAG_CACHE_ENABLED")
	setString(&cfg.Cache.Backend, "CONVORAG_CACHE_BACKEND")
	setInt(&cfg.Cache.MaxSize, "CONVORAG_CACHE_MAX_SIZE")
	setString(&cfg.Cache.RedisAddr, "CONVORAG_CACHE_REDIS_ADDR")
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && os.Getenv("CONVORAG_CACHE_REDIS_ADDR") == "" {
		cfg.Cache.RedisAddr = addr
	}
	setInt(&cfg.Cache.RedisDB, "CONVORAG_CACHE_REDIS_DB")
	setDuration(&cfg.Cache.EmbeddingTTL, "CONVORAG_CACHE_TTL_EMBEDDING")
	setDuration(&cfg.Cache.SearchTTL, "CONVORAG_CACHE_TTL_SEARCH")
	setDuration(&cfg.Cache.RAGTTL, "CONVORAG_CACHE_TTL_RAG")
}

func loadChunkingConfig(cfg *Config) {
	setInt(&cfg.Chunking.MaxChunkChars, "CONVORAG_CHUNKING_MAX_CHARS")
	setInt(&cfg.Chunking.MinChunkChars, "CONVORAG_CHUNKING_MIN_CHARS")
	setBool(&cfg.Chunking.SplitOnSpeakerChange, "CONVORAG_CHUNKING_SPLIT_ON_SPEAKER_CHANGE")
}

func loadLoggingConfig(cfg *Config) {
	setString(&cfg.Logging.Level, "CONVORAG_LOG_LEVEL")
	setString(&cfg.Logging.Format, "CONVORAG_LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.URL == "" {
		return fmt.Errorf("storage URL is required (CONVORAG_STORAGE_URL or DATABASE_URL)")
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("storage pool size must be positive")
	}
	if c.Storage.Overflow < 0 {
		return fmt.Errorf("storage overflow must be non-negative")
	}

	switch c.Embedding.Provider {
	case EmbeddingProviderLocal:
	case EmbeddingProviderRemote:
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding API key is required for the remote provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider: %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Embedding.MaxBatchSize <= 0 {
		return fmt.Errorf("embedding max batch size must be positive")
	}
	if c.Embedding.MaxConcurrency <= 0 {
		return fmt.Errorf("embedding max concurrency must be positive")
	}

	switch c.LLM.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic, LLMProviderLocal:
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be in [0, 2]")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm max tokens must be positive")
	}

	if c.RAG.TopK < 1 || c.RAG.TopK > 50 {
		return fmt.Errorf("rag top_k must be in [1, 50]")
	}
	if c.RAG.MinScore < 0 || c.RAG.MinScore > 1 {
		return fmt.Errorf("rag min_score must be in [0, 1]")
	}
	if c.RAG.MaxContextChars <= 0 {
		return fmt.Errorf("rag max_context_chars must be positive")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendDistributed:
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive")
	}

	if c.Chunking.MinChunkChars <= 0 {
		return fmt.Errorf("chunking min chars must be positive")
	}
	if c.Chunking.MaxChunkChars <= c.Chunking.MinChunkChars {
		return fmt.Errorf("chunking max chars must be greater than min chars")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
