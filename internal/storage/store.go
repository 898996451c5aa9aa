// Package storage persists conversations and their chunks in Postgres with
// pgvector, and serves approximate nearest-neighbour search over chunk
// embeddings.
package storage

import (
	"context"
	"time"

	"convorag/pkg/types"
)

// MaxListLimit bounds a single page of the conversation listing.
const MaxListLimit = 1000

// ConversationSummary is a conversation row without its chunks, as returned
// by List.
type ConversationSummary struct {
	ID            int64     `json:"id"`
	ScenarioTitle string    `json:"scenario_title,omitempty"`
	OriginalTitle string    `json:"original_title,omitempty"`
	URL           string    `json:"url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ChunkCount    int       `json:"chunk_count"`
}

// ConversationStore persists conversation aggregates.
type ConversationStore interface {
	// SaveConversation inserts the conversation and all its chunks in one
	// transaction. On success the conversation and chunk IDs are filled in;
	// on any failure nothing is persisted.
	SaveConversation(ctx context.Context, conversation *types.Conversation) error

	// GetByID loads a conversation with all its chunks eagerly, ordered by
	// order_index. Absent conversations yield a NotFound error.
	GetByID(ctx context.Context, id int64) (*types.Conversation, error)

	// List pages conversations ordered by created_at descending.
	List(ctx context.Context, skip, limit int) ([]ConversationSummary, error)

	// Delete removes a conversation; chunks cascade. Absent conversations
	// yield a NotFound error.
	Delete(ctx context.Context, id int64) error

	// Exists reports whether a conversation with the given id is stored.
	Exists(ctx context.Context, id int64) (bool, error)

	// Count returns the total number of conversations.
	Count(ctx context.Context) (int64, error)
}

// ChunkStore persists and backfills chunks independently of their aggregate.
type ChunkStore interface {
	// SaveChunks inserts chunks for an already-stored conversation in one
	// transaction, filling their IDs in place.
	SaveChunks(ctx context.Context, conversationID int64, chunks []types.ConversationChunk) error

	// GetByConversation loads a conversation's chunks ordered by
	// order_index.
	GetByConversation(ctx context.Context, conversationID int64) ([]types.ConversationChunk, error)

	// ChunksMissingEmbeddings returns up to limit chunks persisted without an
	// embedding, oldest first.
	ChunksMissingEmbeddings(ctx context.Context, limit int) ([]types.ConversationChunk, error)

	// UpdateChunkEmbedding backfills the embedding of a single chunk.
	UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding types.Embedding) error
}

// SearchOptions tunes a similarity search.
type SearchOptions struct {
	// Limit is the number of nearest chunks to return.
	Limit int

	// MaxDistance, when positive, pushes threshold filtering into the index:
	// only chunks within this L2 distance are returned.
	MaxDistance float64
}

// VectorSearch finds the chunks nearest to a query embedding.
type VectorSearch interface {
	// SimilaritySearch returns the nearest chunks ordered by distance
	// ascending, ties broken by (conversation_id, order_index) ascending.
	// Distances are converted to relevance scores before returning.
	SimilaritySearch(ctx context.Context, query types.Embedding, opts SearchOptions) (types.SearchResults, error)
}

// Store is the full storage surface backed by a single database.
type Store interface {
	ConversationStore
	ChunkStore
	VectorSearch

	// HealthCheck verifies connectivity with a round-trip query.
	HealthCheck(ctx context.Context) error

	// Close releases the connection pool.
	Close()
}
