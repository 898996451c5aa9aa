package types

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedding(t *testing.T) {
	tests := []struct {
		name      string
		values    []float32
		dimension int
		wantErr   bool
	}{
		{"valid", []float32{0.1, 0.2, 0.3}, 3, false},
		{"empty", nil, 3, true},
		{"dimension mismatch", []float32{0.1, 0.2}, 3, true},
		{"all zeros", []float32{0, 0, 0}, 3, true},
		{"nan component", []float32{0.1, float32(math.NaN()), 0.3}, 3, true},
		{"inf component", []float32{0.1, float32(math.Inf(1)), 0.3}, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := NewEmbedding(tt.values, tt.dimension)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dimension, emb.Dimension())
		})
	}
}

func TestEmbeddingIsCopied(t *testing.T) {
	values := []float32{1, 2, 3}
	emb, err := NewEmbedding(values, 3)
	require.NoError(t, err)

	values[0] = 99
	assert.Equal(t, float32(1), emb[0])
}

func TestEmbeddingPadTo(t *testing.T) {
	emb, err := NewEmbedding([]float32{1, 2}, 2)
	require.NoError(t, err)

	padded, err := emb.PadTo(4)
	require.NoError(t, err)
	assert.Equal(t, Embedding{1, 2, 0, 0}, padded)

	same, err := emb.PadTo(2)
	require.NoError(t, err)
	assert.Equal(t, emb, same)

	_, err = emb.PadTo(1)
	assert.Error(t, err, "truncation must be rejected")
}

func TestNewRelevanceScore(t *testing.T) {
	s, err := NewRelevanceScore(0.5)
	require.NoError(t, err)
	assert.Equal(t, RelevanceScore(0.5), s)

	for _, v := range []float64{-0.01, 1.01, math.NaN()} {
		_, err := NewRelevanceScore(v)
		assert.Error(t, err, "value %v must be rejected, not clamped", v)
	}
}

func TestScoreFromDistance(t *testing.T) {
	assert.Equal(t, RelevanceScore(1.0), ScoreFromDistance(0))
	assert.Equal(t, RelevanceScore(0.5), ScoreFromDistance(1))

	// Monotonically decreasing in distance.
	prev := ScoreFromDistance(0)
	for _, d := range []float64{0.1, 0.5, 1, 2, 10, 100} {
		s := ScoreFromDistance(d)
		assert.Less(t, float64(s), float64(prev))
		prev = s
	}
}

func TestDistanceForScore(t *testing.T) {
	// Round trip: score(distance(s)) == s.
	for _, s := range []RelevanceScore{0.1, 0.5, 0.7, 1.0} {
		d := DistanceForScore(s)
		assert.InDelta(t, float64(s), float64(ScoreFromDistance(d)), 1e-9)
	}
}

func TestNewChunkText(t *testing.T) {
	_, err := NewChunkText("   ")
	assert.Error(t, err)

	exact := strings.Repeat("a", MaxChunkTextLength)
	got, err := NewChunkText(exact)
	require.NoError(t, err)
	assert.Len(t, got, MaxChunkTextLength)

	_, err = NewChunkText(exact + "a")
	assert.Error(t, err)
}

func TestNewConversationChunk(t *testing.T) {
	author := Author{Name: "alice", Type: AuthorTypeHuman}

	chunk, err := NewConversationChunk(0, "hello world", author, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, chunk.OrderIndex)
	assert.False(t, chunk.HasEmbedding())

	_, err = NewConversationChunk(-1, "hello", author, nil)
	assert.Error(t, err)

	_, err = NewConversationChunk(0, "hello", Author{Name: "x", Type: "robot"}, nil)
	assert.Error(t, err)
}

func TestChunkSetEmbedding(t *testing.T) {
	author := Author{Name: "alice", Type: AuthorTypeHuman}
	chunk, err := NewConversationChunk(0, "hello", author, nil)
	require.NoError(t, err)

	err = chunk.SetEmbedding(Embedding{1, 2, 3}, 4)
	assert.Error(t, err)
	assert.False(t, chunk.HasEmbedding())

	err = chunk.SetEmbedding(Embedding{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	assert.True(t, chunk.HasEmbedding())
}

func TestConversationValidate(t *testing.T) {
	author := Author{Name: "bob", Type: AuthorTypeHuman}

	conv := &Conversation{CreatedAt: time.Now()}
	assert.Error(t, conv.Validate(), "empty conversation must be rejected")

	c0, _ := NewConversationChunk(0, "first", author, nil)
	c1, _ := NewConversationChunk(1, "second", author, nil)
	conv.Chunks = []ConversationChunk{*c0, *c1}
	assert.NoError(t, conv.Validate())

	// Gap in order indices.
	conv.Chunks[1].OrderIndex = 2
	assert.Error(t, conv.Validate())
}

func TestConversationIsSearchable(t *testing.T) {
	author := Author{Name: "bob", Type: AuthorTypeHuman}
	c0, _ := NewConversationChunk(0, "first", author, nil)
	c1, _ := NewConversationChunk(1, "second", author, nil)
	conv := &Conversation{Chunks: []ConversationChunk{*c0, *c1}}

	assert.False(t, conv.IsSearchable(3))

	require.NoError(t, conv.Chunks[0].SetEmbedding(Embedding{1, 0, 0}, 3))
	assert.False(t, conv.IsSearchable(3), "one chunk still missing embedding")

	require.NoError(t, conv.Chunks[1].SetEmbedding(Embedding{0, 1, 0}, 3))
	assert.True(t, conv.IsSearchable(3))
}

func TestSearchResultsSort(t *testing.T) {
	rs := SearchResults{
		{Chunk: ConversationChunk{ConversationID: 2, OrderIndex: 0}, Score: 0.8},
		{Chunk: ConversationChunk{ConversationID: 1, OrderIndex: 1}, Score: 0.8},
		{Chunk: ConversationChunk{ConversationID: 1, OrderIndex: 0}, Score: 0.8},
		{Chunk: ConversationChunk{ConversationID: 3, OrderIndex: 0}, Score: 0.9},
	}
	rs.Sort()

	assert.Equal(t, int64(3), rs[0].Chunk.ConversationID)
	// Equal scores break ties by (conversation_id, order_index) ascending.
	assert.Equal(t, int64(1), rs[1].Chunk.ConversationID)
	assert.Equal(t, 0, rs[1].Chunk.OrderIndex)
	assert.Equal(t, 1, rs[2].Chunk.OrderIndex)
	assert.Equal(t, int64(2), rs[3].Chunk.ConversationID)
}

func TestSearchResultsTruncate(t *testing.T) {
	rs := SearchResults{{}, {}, {}}
	assert.Len(t, rs.Truncate(2), 2)
	assert.Len(t, rs.Truncate(5), 3)
	assert.Len(t, rs.Truncate(0), 0)
}

func TestSearchResultRelevant(t *testing.T) {
	r := SearchResult{Score: 0.7}
	assert.True(t, r.Relevant(DefaultMinScore))
	r.Score = 0.69
	assert.False(t, r.Relevant(DefaultMinScore))
}
