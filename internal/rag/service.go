// Package rag implements the retrieval-augmented answering orchestrator:
// retrieval through the search service, prompt assembly under a character
// budget, generation, citation extraction, confidence scoring, and answer
// caching.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"convorag/internal/cache"
	"convorag/internal/llm"
	"convorag/internal/search"
	"convorag/pkg/types"
)

// Parameter defaults.
const (
	DefaultTopK            = 5
	DefaultMinScore        = 0.7
	DefaultMaxContextChars = 8000
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 1024
	DefaultMaxHistoryTurns = 10

	// NoContextAnswer is returned without calling the model when retrieval
	// finds nothing above the threshold.
	NoContextAnswer = "I could not find enough relevant context to answer that. Try ingesting related conversations first."

	// fallbackConfidence marks answers synthesized from snippets after an
	// empty model response.
	fallbackConfidence = 0.3

	// cacheableConfidence is the minimum confidence worth caching.
	cacheableConfidence = 0.5
)

// Params tunes one ask. Zero values select the defaults.
type Params struct {
	TopK            int     `json:"top_k,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
	MaxContextChars int     `json:"max_context_chars,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	ConversationID  int64   `json:"conversation_id,omitempty"`
}

func (p Params) withDefaults(defaults Params) Params {
	if p.TopK == 0 {
		p.TopK = defaults.TopK
	}
	if p.MinScore == 0 {
		p.MinScore = defaults.MinScore
	}
	if p.MaxContextChars == 0 {
		p.MaxContextChars = defaults.MaxContextChars
	}
	if p.Temperature == 0 {
		p.Temperature = defaults.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = defaults.MaxTokens
	}
	return p
}

// Source is one cited snippet in an answer.
type Source struct {
	ConversationID int64   `json:"conversation_id"`
	ChunkID        int64   `json:"chunk_id"`
	Snippet        string  `json:"snippet"`
	Score          float64 `json:"score"`
	CitationIndex  int     `json:"citation_index"`
}

// Answer is the result of one ask.
type Answer struct {
	Text       string   `json:"text"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	TokensIn   int      `json:"tokens_in"`
	TokensOut  int      `json:"tokens_out"`
	DurationMs int64    `json:"duration_ms"`
	CacheHit   bool     `json:"cache_hit"`
	// Truncated marks a streamed answer cut short by cancellation or a
	// mid-stream transport failure.
	Truncated bool `json:"truncated,omitempty"`
}

// StreamEvent is one event of a streaming ask.
type StreamEvent struct {
	Type   string  `json:"type"` // "delta", "final", or "error"
	Text   string  `json:"text,omitempty"`
	Answer *Answer `json:"answer,omitempty"`
	Err    error   `json:"-"`
}

// Stream event types.
const (
	EventDelta = "delta"
	EventFinal = "final"
	EventError = "error"
)

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// HistoryLoader loads a prior conversation used as chat history.
type HistoryLoader interface {
	GetByID(ctx context.Context, id int64) (*types.Conversation, error)
}

// Service orchestrates retrieval-augmented answering.
type Service struct {
	searcher        Searcher
	provider        llm.Provider
	history         HistoryLoader
	cache           cache.Cache
	ttl             time.Duration
	defaults        Params
	maxHistoryTurns int
	logger          zerolog.Logger
}

// NewService builds the RAG orchestrator. defaults carries configured
// parameter defaults; zero fields fall back to package constants.
func NewService(searcher Searcher, provider llm.Provider, history HistoryLoader, c cache.Cache,
	ttl time.Duration, defaults Params, maxHistoryTurns int, logger zerolog.Logger) *Service {
	if defaults.TopK == 0 {
		defaults.TopK = DefaultTopK
	}
	if defaults.MinScore == 0 {
		defaults.MinScore = DefaultMinScore
	}
	if defaults.MaxContextChars == 0 {
		defaults.MaxContextChars = DefaultMaxContextChars
	}
	if defaults.Temperature == 0 {
		defaults.Temperature = DefaultTemperature
	}
	if defaults.MaxTokens == 0 {
		defaults.MaxTokens = DefaultMaxTokens
	}
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = DefaultMaxHistoryTurns
	}
	return &Service{
		searcher:        searcher,
		provider:        provider,
		history:         history,
		cache:           c,
		ttl:             ttl,
		defaults:        defaults,
		maxHistoryTurns: maxHistoryTurns,
		logger:          logger,
	}
}

// Ask answers a question from the ingested corpus.
func (s *Service) Ask(ctx context.Context, query string, params Params) (*Answer, error) {
	started := time.Now()
	params = params.withDefaults(s.defaults)

	history, err := s.loadHistory(ctx, params.ConversationID)
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(query, params)
	if len(history) == 0 {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var answer Answer
			if err := json.Unmarshal(raw, &answer); err == nil {
				answer.CacheHit = true
				answer.DurationMs = time.Since(started).Milliseconds()
				return &answer, nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	retrieved, err := s.retrieve(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(retrieved) == 0 {
		return &Answer{
			Text:       NoContextAnswer,
			Sources:    []Source{},
			Confidence: 0,
			DurationMs: time.Since(started).Milliseconds(),
		}, nil
	}

	request, kept := s.buildRequest(query, retrieved, history, params)
	result, err := s.provider.Generate(ctx, request)
	if err != nil {
		return nil, err
	}

	answer := s.assemble(result.Text, kept, started)
	answer.TokensIn = result.TokensIn
	answer.TokensOut = result.TokensOut

	s.maybeCache(ctx, key, answer, len(history) > 0)
	return answer, nil
}

// AskStream answers incrementally. The final event carries the assembled
// Answer; a transport failure with no partial output yields an error event.
// Cancellation mid-stream emits a final answer marked truncated and caches
// nothing. The channel always closes after the final or error event; callers
// must drain it.
func (s *Service) AskStream(ctx context.Context, query string, params Params) (<-chan StreamEvent, error) {
	started := time.Now()
	params = params.withDefaults(s.defaults)

	history, err := s.loadHistory(ctx, params.ConversationID)
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(query, params)
	if len(history) == 0 {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var answer Answer
			if err := json.Unmarshal(raw, &answer); err == nil {
				answer.CacheHit = true
				answer.DurationMs = time.Since(started).Milliseconds()
				return replay(&answer), nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	retrieved, err := s.retrieve(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(retrieved) == 0 {
		return replay(&Answer{
			Text:       NoContextAnswer,
			Sources:    []Source{},
			DurationMs: time.Since(started).Milliseconds(),
		}), nil
	}

	request, kept := s.buildRequest(query, retrieved, history, params)
	deltas, err := s.provider.GenerateStream(ctx, request)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		var full []byte
		truncated := false

		for delta := range deltas {
			if delta.Err != nil {
				if len(full) == 0 {
					out <- StreamEvent{Type: EventError, Err: delta.Err}
					return
				}
				truncated = true
				break
			}
			full = append(full, delta.Text...)
			select {
			case out <- StreamEvent{Type: EventDelta, Text: delta.Text}:
			case <-ctx.Done():
				truncated = true
			}
			if truncated {
				break
			}
		}
		if ctx.Err() != nil {
			truncated = true
		}

		answer := s.assemble(string(full), kept, started)
		answer.Truncated = truncated
		if !truncated {
			s.maybeCache(ctx, key, answer, len(history) > 0)
		}
		// The final event is delivered even after cancellation: the consumer
		// drains the channel until it closes.
		out <- StreamEvent{Type: EventFinal, Answer: answer}
	}()
	return out, nil
}

// retrieve fetches ranked context through the search orchestrator.
func (s *Service) retrieve(ctx context.Context, query string, params Params) ([]search.Result, error) {
	minScore := params.MinScore
	resp, err := s.searcher.Search(ctx, search.Request{
		Query:   query,
		TopK:    params.TopK,
		Filters: &search.Filters{MinScore: &minScore},
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// buildRequest assembles the provider request and returns the sources that
// survived the context budget.
func (s *Service) buildRequest(query string, retrieved []search.Result, history []llm.Message, params Params) (llm.Request, []search.Result) {
	sourceBlock, kept := buildSourceBlock(retrieved, params.MaxContextChars)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: buildUserPrompt(sourceBlock, query),
	})

	return llm.Request{
		System:      systemPrompt,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}, kept
}

// assemble turns raw model output into an Answer: citation extraction,
// invalid-marker stripping, confidence scoring, and the empty-response
// fallback.
func (s *Service) assemble(text string, kept []search.Result, started time.Time) *Answer {
	scores := make([]float64, len(kept))
	for i, r := range kept {
		scores[i] = r.Score
	}

	counts, cleaned, invalid := extractCitations(text, len(kept))
	if len(invalid) > 0 {
		s.logger.Warn().Strs("markers", invalid).Msg("stripped citations pointing at no source")
	}

	confidence := confidenceFrom(counts, scores, cleaned)
	if strings.TrimSpace(cleaned) == "" {
		cleaned = fallbackSummary(kept)
		confidence = fallbackConfidence
		counts = map[int]int{}
		for i := range kept {
			if i >= 3 {
				break
			}
			counts[i+1]++
		}
	}

	sources := make([]Source, 0, len(counts))
	for i, r := range kept {
		if counts[i+1] == 0 {
			continue
		}
		sources = append(sources, Source{
			ConversationID: r.ConversationID,
			ChunkID:        r.ChunkID,
			Snippet:        snippet(r.Text, 300),
			Score:          r.Score,
			CitationIndex:  i + 1,
		})
	}

	return &Answer{
		Text:       cleaned,
		Sources:    sources,
		Confidence: confidence,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// loadHistory turns a referenced conversation into chat turns, keeping the
// most recent turns only.
func (s *Service) loadHistory(ctx context.Context, conversationID int64) ([]llm.Message, error) {
	if conversationID == 0 {
		return nil, nil
	}
	conversation, err := s.history.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	chunks := conversation.Chunks
	if len(chunks) > s.maxHistoryTurns {
		chunks = chunks[len(chunks)-s.maxHistoryTurns:]
	}
	messages := make([]llm.Message, len(chunks))
	for i, chunk := range chunks {
		role := llm.RoleUser
		if chunk.Author.Type == types.AuthorTypeAssistant {
			role = llm.RoleAssistant
		}
		messages[i] = llm.Message{Role: role, Content: chunk.Text}
	}
	return messages, nil
}

// cacheKey covers everything that shapes the answer.
func (s *Service) cacheKey(query string, params Params) string {
	return cache.BuildKey(cache.NamespaceRAG,
		query,
		strconv.Itoa(params.TopK),
		fmt.Sprintf("%.4f", params.MinScore),
		s.provider.Model(),
		fmt.Sprintf("%.2f", params.Temperature),
		strconv.FormatInt(params.ConversationID, 10),
	)
}

// maybeCache stores confident, history-free answers.
func (s *Service) maybeCache(ctx context.Context, key string, answer *Answer, hasHistory bool) {
	if hasHistory || answer.Confidence < cacheableConfidence {
		return
	}
	if raw, err := json.Marshal(answer); err == nil {
		s.cache.Set(ctx, key, raw, s.ttl)
	}
}

// replay wraps an already-complete answer in the streaming shape.
func replay(answer *Answer) <-chan StreamEvent {
	out := make(chan StreamEvent, 2)
	out <- StreamEvent{Type: EventDelta, Text: answer.Text}
	out <- StreamEvent{Type: EventFinal, Answer: answer}
	close(out)
	return out
}
