package embeddings

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"time"

	"convorag/internal/cache"
	"convorag/pkg/types"
)

// CachedProvider adds a read-through cache in front of a provider. Keys are
// derived from the model, the storage dimension, and the exact text, so a
// model or dimension change never replays stale vectors. The cache is
// advisory; failures degrade to computing the embedding.
type CachedProvider struct {
	inner Provider
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedProvider wraps inner with the given cache and TTL.
func NewCachedProvider(inner Provider, c cache.Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{inner: inner, cache: c, ttl: ttl}
}

// Embed returns the cached embedding for text when present.
func (p *CachedProvider) Embed(ctx context.Context, text string) (types.Embedding, error) {
	key := p.key(text)
	if raw, ok := p.cache.Get(ctx, key); ok {
		if embedding, decodeErr := decodeEmbedding(raw, p.inner.Dimension()); decodeErr == nil {
			return embedding, nil
		}
		// Undecodable entries are stale format; drop and recompute.
		p.cache.Delete(ctx, key)
	}

	embedding, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, key, encodeEmbedding(embedding), p.ttl)
	return embedding, nil
}

// EmbedBatch serves cached positions and forwards only uncached texts to the
// inner provider, preserving input order in the combined result.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([]types.Embedding, error) {
	results := make([]types.Embedding, len(texts))
	missing := make([]string, 0, len(texts))
	missingIndexes := make([]int, 0, len(texts))

	for i, text := range texts {
		key := p.key(text)
		if raw, ok := p.cache.Get(ctx, key); ok {
			if embedding, decodeErr := decodeEmbedding(raw, p.inner.Dimension()); decodeErr == nil {
				results[i] = embedding
				continue
			}
			p.cache.Delete(ctx, key)
		}
		missing = append(missing, text)
		missingIndexes = append(missingIndexes, i)
	}

	if len(missing) > 0 {
		embedded, err := p.inner.EmbedBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, embedding := range embedded {
			results[missingIndexes[j]] = embedding
			p.cache.Set(ctx, p.key(missing[j]), encodeEmbedding(embedding), p.ttl)
		}
	}
	return results, nil
}

// Dimension delegates to the inner provider.
func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }

// Model delegates to the inner provider.
func (p *CachedProvider) Model() string { return p.inner.Model() }

// HealthCheck delegates to the inner provider.
func (p *CachedProvider) HealthCheck(ctx context.Context) error {
	return p.inner.HealthCheck(ctx)
}

func (p *CachedProvider) key(text string) string {
	return cache.BuildKey(cache.NamespaceEmbedding, p.inner.Model(), strconv.Itoa(p.inner.Dimension()), text)
}

var errBadEncoding = errors.New("cached embedding has unexpected encoding")

// encodeEmbedding serializes a vector as little-endian float32 components.
func encodeEmbedding(e types.Embedding) []byte {
	buf := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes a vector, verifying the expected dimension.
func decodeEmbedding(buf []byte, dimension int) (types.Embedding, error) {
	if len(buf) != 4*dimension {
		return nil, errBadEncoding
	}
	values := make([]float32, dimension)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return types.NewEmbedding(values, dimension)
}
