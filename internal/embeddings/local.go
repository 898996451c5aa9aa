package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"convorag/internal/apperrors"
	"convorag/pkg/types"
)

// LocalModelName identifies the in-process feature-hashing model.
const LocalModelName = "local-feature-hash"

// LocalProvider is a deterministic, dependency-free embedding model. Tokens
// are feature-hashed into a fixed number of buckets with a hash-derived sign,
// and the resulting vector is L2-normalized. The embeddings carry no semantic
// meaning beyond lexical overlap, which is enough for development, tests, and
// air-gapped deployments.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider builds a local provider producing vectors of the given
// dimension.
func NewLocalProvider(dimension int) (*LocalProvider, error) {
	if dimension <= 0 {
		return nil, apperrors.Validation("embedding dimension must be positive")
	}
	return &LocalProvider{dimension: dimension}, nil
}

// Embed generates a deterministic embedding for text.
func (p *LocalProvider) Embed(_ context.Context, text string) (types.Embedding, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, apperrors.Validation("cannot embed empty text")
	}

	vector := make([]float32, p.dimension)
	for _, token := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		index := int(sum % uint64(p.dimension))
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vector[index] += sign
	}

	normalize(vector)
	return types.NewEmbedding(vector, p.dimension)
}

// EmbedBatch embeds each text independently; ordering is trivially preserved.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error) {
	if len(texts) == 0 {
		return nil, apperrors.Validation("cannot embed empty batch")
	}
	results := make([]types.Embedding, len(texts))
	for i, text := range texts {
		embedding, err := p.Embed(ctx, text)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindEmbedding, fmt.Sprintf("batch item %d", i), err)
		}
		results[i] = embedding
	}
	return results, nil
}

// Dimension returns the configured vector dimension.
func (p *LocalProvider) Dimension() int { return p.dimension }

// Model returns the local model identifier.
func (p *LocalProvider) Model() string { return LocalModelName }

// HealthCheck exercises the full embed path with a fixed probe text.
func (p *LocalProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Embed(ctx, "health check probe")
	return err
}

// tokenize lowercases the text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales the vector to unit L2 length in place. A zero vector is
// left untouched; callers reject it through types.NewEmbedding.
func normalize(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range vector {
		vector[i] /= norm
	}
}
