// Package search implements the retrieval orchestrator: query validation,
// embedding, vector search with oversampling, filtering, ranking, and result
// caching.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/cache"
	"convorag/internal/embeddings"
	"convorag/internal/storage"
	"convorag/pkg/types"
)

// Request bounds.
const (
	MaxQueryLength = 1000
	MaxTopK        = 50
	DefaultTopK    = 5
)

// Filters narrows search results after retrieval.
type Filters struct {
	MinScore   *float64         `json:"min_score,omitempty"`
	AuthorName string           `json:"author_name,omitempty"`
	AuthorType types.AuthorType `json:"author_type,omitempty"`
	From       *time.Time       `json:"from,omitempty"`
	To         *time.Time       `json:"to,omitempty"`
}

// empty reports whether the filters restrict anything beyond the score
// threshold.
func (f *Filters) empty() bool {
	return f == nil || (f.AuthorName == "" && f.AuthorType == "" && f.From == nil && f.To == nil)
}

// Request is a search request.
type Request struct {
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	Filters     *Filters `json:"filters,omitempty"`
	CacheBypass bool     `json:"cache_bypass,omitempty"`
}

// Result is one ranked hit.
type Result struct {
	ConversationID int64            `json:"conversation_id"`
	ChunkID        int64            `json:"chunk_id"`
	OrderIndex     int              `json:"order_index"`
	Text           string           `json:"text"`
	Score          float64          `json:"score"`
	Author         string           `json:"author,omitempty"`
	AuthorType     types.AuthorType `json:"author_type,omitempty"`
	Timestamp      *time.Time       `json:"timestamp,omitempty"`
}

// Response is the ranked result set.
type Response struct {
	Results     []Result `json:"results"`
	ResultCount int      `json:"result_count"`
	CacheHit    bool     `json:"cache_hit"`
	DurationMs  int64    `json:"duration_ms"`
}

// Service orchestrates retrieval.
type Service struct {
	embedder embeddings.Provider
	vectors  storage.VectorSearch
	cache    cache.Cache
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewService builds the search orchestrator.
func NewService(embedder embeddings.Provider, vectors storage.VectorSearch, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		embedder: embedder,
		vectors:  vectors,
		cache:    c,
		ttl:      ttl,
		logger:   logger,
	}
}

// Search validates, retrieves, filters, ranks, and caches.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	query, err := normalizeQuery(req.Query)
	if err != nil {
		return nil, err
	}
	if req.TopK == 0 {
		return nil, apperrors.Validation("top_k must be in [1, %d], got 0", MaxTopK)
	}
	if req.TopK < 1 || req.TopK > MaxTopK {
		return nil, apperrors.Validation("top_k must be in [1, %d], got %d", MaxTopK, req.TopK)
	}

	key := s.cacheKey(query, req.TopK, req.Filters)
	if !req.CacheBypass {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var results []Result
			if err := json.Unmarshal(raw, &results); err == nil {
				return &Response{
					Results:     results,
					ResultCount: len(results),
					CacheHit:    true,
					DurationMs:  time.Since(started).Milliseconds(),
				}, nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	minScore := types.DefaultMinScore
	if req.Filters != nil && req.Filters.MinScore != nil {
		score, scoreErr := types.NewRelevanceScore(*req.Filters.MinScore)
		if scoreErr != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, "invalid min_score", scoreErr)
		}
		minScore = score
	}

	opts := storage.SearchOptions{Limit: oversample(req.TopK, req.Filters)}
	if req.Filters.empty() {
		// Without post-filters the threshold can be pushed into the index.
		opts.MaxDistance = types.DistanceForScore(minScore)
	}

	hits, err := s.vectors.SimilaritySearch(ctx, queryEmbedding, opts)
	if err != nil {
		return nil, err
	}

	kept := make(types.SearchResults, 0, len(hits))
	for _, hit := range hits {
		if !hit.Relevant(minScore) {
			continue
		}
		if !matchesFilters(hit.Chunk, req.Filters) {
			continue
		}
		kept = append(kept, hit)
	}
	kept.Sort()
	kept = kept.Truncate(req.TopK)

	results := make([]Result, len(kept))
	for i, hit := range kept {
		results[i] = Result{
			ConversationID: hit.Chunk.ConversationID,
			ChunkID:        hit.Chunk.ID,
			OrderIndex:     hit.Chunk.OrderIndex,
			Text:           hit.Chunk.Text,
			Score:          float64(hit.Score),
			Author:         hit.Chunk.Author.Name,
			AuthorType:     hit.Chunk.Author.Type,
			Timestamp:      hit.Chunk.Timestamp,
		}
	}

	if !req.CacheBypass {
		if raw, err := json.Marshal(results); err == nil {
			s.cache.Set(ctx, key, raw, s.ttl)
		}
	}

	return &Response{
		Results:     results,
		ResultCount: len(results),
		DurationMs:  time.Since(started).Milliseconds(),
	}, nil
}

// normalizeQuery trims and collapses internal whitespace so equivalent
// queries share a cache key.
func normalizeQuery(query string) (string, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return "", apperrors.Validation("query cannot be empty")
	}
	if len(normalized) > MaxQueryLength {
		return "", apperrors.Validation("query exceeds %d characters: %d", MaxQueryLength, len(normalized))
	}
	return normalized, nil
}

// oversample widens the retrieval window when post-filters will drop rows.
func oversample(topK int, filters *Filters) int {
	if filters.empty() {
		return topK
	}
	widened := topK * 2
	if topK+10 > widened {
		widened = topK + 10
	}
	return widened
}

// matchesFilters applies the author and date filters.
func matchesFilters(chunk types.ConversationChunk, filters *Filters) bool {
	if filters == nil {
		return true
	}
	if filters.AuthorName != "" && chunk.Author.Name != filters.AuthorName {
		return false
	}
	if filters.AuthorType != "" && chunk.Author.Type != filters.AuthorType {
		return false
	}
	if filters.From != nil && (chunk.Timestamp == nil || chunk.Timestamp.Before(*filters.From)) {
		return false
	}
	if filters.To != nil && (chunk.Timestamp == nil || chunk.Timestamp.After(*filters.To)) {
		return false
	}
	return true
}

// cacheKey hashes the normalized query, top_k, filters, and the embedding
// model so a model change never replays stale rankings.
func (s *Service) cacheKey(query string, topK int, filters *Filters) string {
	filterPart := ""
	if filters != nil {
		if raw, err := json.Marshal(filters); err == nil {
			filterPart = string(raw)
		}
	}
	return cache.BuildKey(cache.NamespaceSearch,
		query,
		strconv.Itoa(topK),
		filterPart,
		s.embedder.Model(),
		fmt.Sprintf("d%d", s.embedder.Dimension()),
	)
}

// InvalidateAll drops every cached search result. Called after an ingest
// commit; failures are logged, never surfaced.
func (s *Service) InvalidateAll(ctx context.Context) {
	removed := s.cache.DeleteMatching(ctx, cache.NamespacePattern(cache.NamespaceSearch))
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("invalidated search cache")
	}
}
