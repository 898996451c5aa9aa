// Package embeddings provides pluggable embedding providers: a deterministic
// in-process model and a remote OpenAI-backed adapter, with retry and cache
// decorators composed around them.
package embeddings

import (
	"context"

	"convorag/pkg/types"
)

// Provider generates embeddings for text. Implementations must preserve
// input order in EmbedBatch regardless of internal sub-batching or
// parallelism, and must return vectors of exactly Dimension() components.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) (types.Embedding, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// input-to-output positional correspondence.
	EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error)

	// Dimension returns the storage dimension of produced embeddings.
	Dimension() int

	// Model returns the model identifier, used in cache keys.
	Model() string

	// HealthCheck verifies the provider is usable. Remote providers only
	// validate configuration here to avoid spending quota.
	HealthCheck(ctx context.Context) error
}
