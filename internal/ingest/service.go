// Package ingest implements the ingestion orchestrator: validation,
// chunking, embedding, transactional persistence, and search-cache
// invalidation.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/chunking"
	"convorag/internal/embeddings"
	"convorag/pkg/types"
)

// Request is an ingestion request.
type Request struct {
	ScenarioTitle string          `json:"scenario_title,omitempty"`
	OriginalTitle string          `json:"original_title,omitempty"`
	URL           string          `json:"url,omitempty"`
	Messages      []types.Message `json:"messages"`
}

// Response reports what was persisted.
type Response struct {
	ConversationID int64 `json:"conversation_id"`
	ChunkCount     int   `json:"chunk_count"`
	EmbeddingCount int   `json:"embedding_count"`
	// FailedChunks lists order indexes persisted without an embedding when
	// partial embeddings are enabled.
	FailedChunks []int `json:"failed_chunks,omitempty"`
	DurationMs   int64 `json:"duration_ms"`
}

// Invalidator drops derived cache entries after an ingest commit.
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

// Store is the persistence surface ingestion needs: conversation saves plus
// the chunk backfill operations.
type Store interface {
	SaveConversation(ctx context.Context, conversation *types.Conversation) error
	ChunksMissingEmbeddings(ctx context.Context, limit int) ([]types.ConversationChunk, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding types.Embedding) error
}

// Service orchestrates ingestion.
type Service struct {
	chunker           *chunking.Chunker
	embedder          embeddings.Provider
	store             Store
	invalidator       Invalidator
	partialEmbeddings bool
	logger            zerolog.Logger
}

// NewService builds the ingest orchestrator.
func NewService(chunker *chunking.Chunker, embedder embeddings.Provider, store Store,
	invalidator Invalidator, partialEmbeddings bool, logger zerolog.Logger) *Service {
	return &Service{
		chunker:           chunker,
		embedder:          embedder,
		store:             store,
		invalidator:       invalidator,
		partialEmbeddings: partialEmbeddings,
		logger:            logger,
	}
}

// Ingest validates, chunks, embeds, and persists one conversation
// atomically. The conversation is either fully visible after return or not
// at all.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	if len(req.Messages) == 0 {
		return nil, apperrors.Validation("messages cannot be empty")
	}
	for i, message := range req.Messages {
		if err := message.Validate(); err != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation,
				"invalid message at index "+strconv.Itoa(i), err)
		}
	}

	chunks, err := s.chunker.Split(req.Messages)
	if err != nil {
		return nil, err
	}

	conversation := &types.Conversation{
		ScenarioTitle: req.ScenarioTitle,
		OriginalTitle: req.OriginalTitle,
		URL:           req.URL,
		Chunks:        chunks,
	}
	if err := conversation.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "chunker produced invalid conversation", err)
	}

	failed, err := s.embedChunks(ctx, conversation.Chunks)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveConversation(ctx, conversation); err != nil {
		return nil, err
	}

	// Derived search results are stale the moment the corpus grows. Failures
	// here never fail the ingest.
	s.invalidator.InvalidateAll(ctx)

	embedded := len(conversation.Chunks) - len(failed)
	s.logger.Info().
		Int64("conversation_id", conversation.ID).
		Int("chunks", len(conversation.Chunks)).
		Int("embedded", embedded).
		Dur("elapsed", time.Since(started)).
		Msg("conversation ingested")

	return &Response{
		ConversationID: conversation.ID,
		ChunkCount:     len(conversation.Chunks),
		EmbeddingCount: embedded,
		FailedChunks:   failed,
		DurationMs:     time.Since(started).Milliseconds(),
	}, nil
}

// embedChunks fills in chunk embeddings. The batch path is all-or-nothing;
// with partial embeddings enabled a batch failure degrades to per-chunk
// embedding, and chunks that still fail are persisted unembedded and
// reported by order index.
func (s *Service) embedChunks(ctx context.Context, chunks []types.ConversationChunk) ([]int, error) {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err == nil {
		for i := range chunks {
			if setErr := chunks[i].SetEmbedding(vectors[i], s.embedder.Dimension()); setErr != nil {
				return nil, apperrors.Wrap(apperrors.KindEmbedding, "invalid embedding for chunk "+strconv.Itoa(i), setErr)
			}
		}
		return nil, nil
	}

	if !s.partialEmbeddings {
		return nil, err
	}

	s.logger.Warn().Err(err).Msg("batch embedding failed, falling back to per-chunk embedding")
	var failed []int
	for i := range chunks {
		vector, embedErr := s.embedder.Embed(ctx, texts[i])
		if embedErr != nil {
			if ctx.Err() != nil {
				return nil, embedErr
			}
			s.logger.Warn().Err(embedErr).Int("order_index", chunks[i].OrderIndex).
				Msg("chunk embedding failed, persisting without embedding")
			failed = append(failed, chunks[i].OrderIndex)
			continue
		}
		if setErr := chunks[i].SetEmbedding(vector, s.embedder.Dimension()); setErr != nil {
			failed = append(failed, chunks[i].OrderIndex)
		}
	}
	return failed, nil
}

// ReembedMissing backfills embeddings for chunks persisted without one,
// up to limit chunks per call. Returns how many chunks were updated.
func (s *Service) ReembedMissing(ctx context.Context, limit int) (int, error) {
	chunks, err := s.store.ChunksMissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range chunks {
		if err := s.store.UpdateChunkEmbedding(ctx, chunks[i].ID, vectors[i]); err != nil {
			return updated, err
		}
		updated++
	}
	if updated > 0 {
		s.invalidator.InvalidateAll(ctx)
	}
	return updated, nil
}

