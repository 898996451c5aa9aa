// Package types provides the core data structures for the conversational
// RAG backend: conversations, chunks, embeddings and relevance scores.
// All invariants are enforced at construction time so that the rest of the
// codebase can assume validity.
package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MaxChunkTextLength is the maximum number of characters a single chunk may carry.
const MaxChunkTextLength = 10000

// MaxChunksPerConversation bounds how many chunks a single ingest may produce.
const MaxChunksPerConversation = 10000

// AuthorType classifies who produced a message.
type AuthorType string

const (
	// AuthorTypeHuman represents a human participant
	AuthorTypeHuman AuthorType = "human"
	// AuthorTypeAssistant represents an LLM assistant participant
	AuthorTypeAssistant AuthorType = "assistant"
	// AuthorTypeSystem represents system-generated content
	AuthorTypeSystem AuthorType = "system"
)

// Valid returns true if the author type is one of the known values.
func (at AuthorType) Valid() bool {
	switch at {
	case AuthorTypeHuman, AuthorTypeAssistant, AuthorTypeSystem:
		return true
	}
	return false
}

// Author identifies the producer of a message or chunk.
type Author struct {
	Name string     `json:"name"`
	Type AuthorType `json:"type"`
}

// Validate checks the author invariants.
func (a Author) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("author name cannot be empty")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("invalid author type: %q", a.Type)
	}
	return nil
}

// Message is a single transcripted utterance prior to chunking.
type Message struct {
	Author    Author     `json:"author"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Validate checks the message invariants.
func (m Message) Validate() error {
	if err := m.Author.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("message text cannot be empty")
	}
	return nil
}

// Embedding is an immutable fixed-dimension vector representation of text.
// Invariants: configured dimension, finite components, at least one non-zero
// component.
type Embedding []float32

// NewEmbedding validates and returns an embedding of the given dimension.
func NewEmbedding(values []float32, dimension int) (Embedding, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding cannot be empty")
	}
	if len(values) != dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(values), dimension)
	}
	nonZero := false
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("embedding component %d is not finite", i)
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return nil, fmt.Errorf("embedding must have at least one non-zero component")
	}
	out := make(Embedding, len(values))
	copy(out, values)
	return out, nil
}

// PadTo zero-pads the embedding up to dimension d. Padding is the documented
// policy for providers whose native dimension is smaller than the storage
// dimension; truncation is forbidden.
func (e Embedding) PadTo(d int) (Embedding, error) {
	if len(e) > d {
		return nil, fmt.Errorf("cannot pad embedding of dimension %d down to %d", len(e), d)
	}
	if len(e) == d {
		return e, nil
	}
	out := make(Embedding, d)
	copy(out, e)
	return out, nil
}

// Dimension returns the number of components.
func (e Embedding) Dimension() int { return len(e) }

// RelevanceScore is a normalized similarity in [0, 1]; 1 means identical.
type RelevanceScore float64

// DefaultMinScore is the default relevance threshold for search results.
const DefaultMinScore RelevanceScore = 0.7

// NewRelevanceScore validates a raw score. Values outside [0, 1] are
// rejected rather than silently clamped.
func NewRelevanceScore(v float64) (RelevanceScore, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("relevance score must be in [0, 1], got %v", v)
	}
	return RelevanceScore(v), nil
}

// ScoreFromDistance converts a raw L2 distance to a relevance score using
// score = 1 / (1 + d). Monotonically decreasing in distance.
func ScoreFromDistance(d float64) RelevanceScore {
	if d < 0 {
		d = 0
	}
	return RelevanceScore(1.0 / (1.0 + d))
}

// DistanceForScore inverts ScoreFromDistance: the largest L2 distance whose
// score still meets the threshold. Used to push threshold filtering into the
// vector index.
func DistanceForScore(s RelevanceScore) float64 {
	if s <= 0 {
		return math.MaxFloat64
	}
	return 1.0/float64(s) - 1.0
}

// NewChunkText validates chunk text: non-empty after trimming and at most
// MaxChunkTextLength characters.
func NewChunkText(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("chunk text cannot be empty")
	}
	if len(text) > MaxChunkTextLength {
		return "", fmt.Errorf("chunk text exceeds %d characters: %d", MaxChunkTextLength, len(text))
	}
	return text, nil
}

// ConversationChunk is a contiguous slice of a conversation carrying at most
// one embedding. IDs are assigned by the store on persist.
type ConversationChunk struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	OrderIndex     int        `json:"order_index"`
	Text           string     `json:"text"`
	Embedding      Embedding  `json:"embedding,omitempty"`
	Author         Author     `json:"author"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// NewConversationChunk constructs a chunk draft with validated text and author.
func NewConversationChunk(orderIndex int, text string, author Author, ts *time.Time) (*ConversationChunk, error) {
	if orderIndex < 0 {
		return nil, fmt.Errorf("order index must be non-negative, got %d", orderIndex)
	}
	validText, err := NewChunkText(text)
	if err != nil {
		return nil, err
	}
	if err := author.Validate(); err != nil {
		return nil, err
	}
	return &ConversationChunk{
		OrderIndex: orderIndex,
		Text:       validText,
		Author:     author,
		Timestamp:  ts,
	}, nil
}

// SetEmbedding marks the chunk with a validated embedding.
func (c *ConversationChunk) SetEmbedding(e Embedding, dimension int) error {
	validated, err := NewEmbedding(e, dimension)
	if err != nil {
		return err
	}
	c.Embedding = validated
	return nil
}

// HasEmbedding reports whether an embedding has been generated for this chunk.
func (c *ConversationChunk) HasEmbedding() bool { return len(c.Embedding) > 0 }

// Validate checks the chunk invariants.
func (c *ConversationChunk) Validate() error {
	if c.OrderIndex < 0 {
		return fmt.Errorf("order index must be non-negative, got %d", c.OrderIndex)
	}
	if _, err := NewChunkText(c.Text); err != nil {
		return err
	}
	return c.Author.Validate()
}

// Conversation is the aggregate root of ordered chunks plus metadata.
type Conversation struct {
	ID            int64               `json:"id"`
	ScenarioTitle string              `json:"scenario_title,omitempty"`
	OriginalTitle string              `json:"original_title,omitempty"`
	URL           string              `json:"url,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	Chunks        []ConversationChunk `json:"chunks"`
}

// Validate checks the aggregate invariants: at least one chunk, and chunk
// order indices forming a contiguous 0..N-1 sequence.
func (cv *Conversation) Validate() error {
	if len(cv.Chunks) == 0 {
		return fmt.Errorf("conversation must have at least one chunk")
	}
	if len(cv.Chunks) > MaxChunksPerConversation {
		return fmt.Errorf("conversation exceeds %d chunks: %d", MaxChunksPerConversation, len(cv.Chunks))
	}
	for i := range cv.Chunks {
		if err := cv.Chunks[i].Validate(); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if cv.Chunks[i].OrderIndex != i {
			return fmt.Errorf("chunk order indices must be contiguous: index %d has order_index %d", i, cv.Chunks[i].OrderIndex)
		}
	}
	return nil
}

// ChunkCount returns the number of chunks in the conversation.
func (cv *Conversation) ChunkCount() int { return len(cv.Chunks) }

// IsSearchable reports whether every chunk carries an embedding of the given
// dimension. Only fully embedded conversations participate in vector search.
func (cv *Conversation) IsSearchable(dimension int) bool {
	if len(cv.Chunks) == 0 {
		return false
	}
	for i := range cv.Chunks {
		if cv.Chunks[i].Embedding.Dimension() != dimension {
			return false
		}
	}
	return true
}

// SearchResult pairs a chunk with its relevance score.
type SearchResult struct {
	Chunk ConversationChunk `json:"chunk"`
	Score RelevanceScore    `json:"score"`
}

// Relevant reports whether the result meets the given threshold.
func (r SearchResult) Relevant(threshold RelevanceScore) bool {
	return r.Score >= threshold
}

// SearchResults is an ordered collection of search results.
type SearchResults []SearchResult

// Sort orders results by score descending, with ties broken by
// (conversation_id asc, order_index asc) for reproducibility.
func (rs SearchResults) Sort() {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		if rs[i].Chunk.ConversationID != rs[j].Chunk.ConversationID {
			return rs[i].Chunk.ConversationID < rs[j].Chunk.ConversationID
		}
		return rs[i].Chunk.OrderIndex < rs[j].Chunk.OrderIndex
	})
}

// Truncate limits the collection to at most k results.
func (rs SearchResults) Truncate(k int) SearchResults {
	if k < 0 || k >= len(rs) {
		return rs
	}
	return rs[:k]
}
