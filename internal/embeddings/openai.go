package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"convorag/internal/apperrors"
	"convorag/pkg/types"
)

// Defaults for the remote provider. MaxBatchSize tracks the API's documented
// per-request input limit.
const (
	DefaultMaxBatchSize   = 2048
	DefaultMaxConcurrency = 4
)

// OpenAIConfig configures the remote provider.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimension      int
	MaxBatchSize   int
	MaxConcurrency int
}

// OpenAIProvider generates embeddings through the OpenAI API. Large batches
// are split into sub-batches embedded concurrently; duplicate texts within a
// batch are sent once and fanned back out to every position that requested
// them. Native vectors shorter than the configured dimension are zero-padded;
// longer ones are rejected.
type OpenAIProvider struct {
	client         *openai.Client
	model          string
	dimension      int
	maxBatchSize   int
	maxConcurrency int
}

// NewOpenAIProvider validates the configuration and builds the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Validation("openai embedding provider requires an API key")
	}
	if cfg.Model == "" {
		return nil, apperrors.Validation("openai embedding provider requires a model")
	}
	if cfg.Dimension <= 0 {
		return nil, apperrors.Validation("embedding dimension must be positive")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > DefaultMaxBatchSize {
		maxBatch = DefaultMaxBatchSize
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		dimension:      cfg.Dimension,
		maxBatchSize:   maxBatch,
		maxConcurrency: maxConcurrency,
	}, nil
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (types.Embedding, error) {
	results, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EmbedBatch embeds texts, preserving positional correspondence.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error) {
	if len(texts) == 0 {
		return nil, apperrors.Validation("cannot embed empty batch")
	}
	for i, text := range texts {
		if text == "" {
			return nil, apperrors.Validation("cannot embed empty text at position %d", i)
		}
	}

	plan := planBatch(texts, p.maxBatchSize)
	unique := make([]types.Embedding, len(plan.unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for _, sub := range plan.subBatches {
		g.Go(func() error {
			embedded, err := p.embedOnce(gctx, plan.unique[sub.start:sub.end])
			if err != nil {
				return err
			}
			copy(unique[sub.start:sub.end], embedded)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]types.Embedding, len(texts))
	for i, uniqueIndex := range plan.positions {
		results[i] = unique[uniqueIndex]
	}
	return results, nil
}

// embedOnce issues a single API request for one sub-batch.
func (p *OpenAIProvider) embedOnce(ctx context.Context, texts []string) ([]types.Embedding, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.Newf(apperrors.KindEmbedding,
			"embedding response size mismatch: sent %d texts, received %d vectors", len(texts), len(resp.Data))
	}

	results := make([]types.Embedding, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, apperrors.Newf(apperrors.KindEmbedding, "embedding response index %d out of range", item.Index)
		}
		native := types.Embedding(item.Embedding)
		if native.Dimension() > p.dimension {
			return nil, apperrors.Newf(apperrors.KindEmbeddingDimension,
				"model %q returned dimension %d, storage dimension is %d; refusing to truncate",
				p.model, native.Dimension(), p.dimension)
		}
		padded, err := native.PadTo(p.dimension)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindEmbeddingDimension, "padding embedding", err)
		}
		validated, err := types.NewEmbedding(padded, p.dimension)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindEmbedding, "invalid embedding from provider", err)
		}
		results[item.Index] = validated
	}
	return results, nil
}

// Dimension returns the storage dimension.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// HealthCheck validates configuration without spending API quota.
func (p *OpenAIProvider) HealthCheck(_ context.Context) error {
	if p.client == nil || p.model == "" {
		return apperrors.New(apperrors.KindEmbedding, "openai embedding provider not configured")
	}
	return nil
}

// batchPlan describes how a batch of texts is deduplicated and partitioned
// into API requests. positions[i] is the index into unique for input i.
type batchPlan struct {
	unique     []string
	positions  []int
	subBatches []subBatch
}

type subBatch struct {
	start, end int
}

// planBatch deduplicates texts and partitions the unique set into sub-batches
// of at most maxBatchSize.
func planBatch(texts []string, maxBatchSize int) batchPlan {
	plan := batchPlan{positions: make([]int, len(texts))}
	seen := make(map[string]int, len(texts))
	for i, text := range texts {
		index, ok := seen[text]
		if !ok {
			index = len(plan.unique)
			seen[text] = index
			plan.unique = append(plan.unique, text)
		}
		plan.positions[i] = index
	}

	for start := 0; start < len(plan.unique); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(plan.unique) {
			end = len(plan.unique)
		}
		plan.subBatches = append(plan.subBatches, subBatch{start: start, end: end})
	}
	return plan
}

// translateOpenAIError maps client errors into the embedding error kind,
// marking rate limits, server errors, and network failures as transient so
// the retry decorator knows what is worth retrying.
func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return &apperrors.Error{
			Kind:      apperrors.KindEmbedding,
			Message:   fmt.Sprintf("openai embedding request failed (status %d)", apiErr.HTTPStatusCode),
			Cause:     err,
			Transient: transient,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperrors.Error{
			Kind:      apperrors.KindEmbedding,
			Message:   "openai embedding request failed (network)",
			Cause:     err,
			Transient: true,
		}
	}
	return apperrors.Wrap(apperrors.KindEmbedding, "openai embedding request failed", err)
}
