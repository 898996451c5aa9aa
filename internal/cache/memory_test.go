package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, size int) *MemoryCache {
	t.Helper()
	c, err := NewMemoryCache(size)
	require.NoError(t, err)
	return c
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("value"), 0)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	original := []byte("value")
	c.Set(ctx, "k", original, 0)
	original[0] = 'X'

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got, "stored value must not alias caller memory")

	got[0] = 'Y'
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("value"), again)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", []byte("v"), time.Minute)

	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry must expire after its TTL")

	// Zero TTL means no expiry.
	c.Set(ctx, "forever", []byte("v"), 0)
	now = now.Add(1000 * time.Hour)
	_, ok = c.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemoryLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 2)

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)

	// Touch "a" so "b" becomes the eviction candidate.
	_, _ = c.Get(ctx, "a")

	c.Set(ctx, "c", []byte("3"), 0)

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)

	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	c.Set(ctx, "k", []byte("v"), 0)
	assert.True(t, c.Delete(ctx, "k"))
	assert.False(t, c.Delete(ctx, "k"))
}

func TestMemoryDeleteMatching(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	c.Set(ctx, "search:v1:abc", []byte("1"), 0)
	c.Set(ctx, "search:v1:def", []byte("2"), 0)
	c.Set(ctx, "emb:v1:abc", []byte("3"), 0)

	removed := c.DeleteMatching(ctx, "search:*")
	assert.Equal(t, 2, removed)

	_, ok := c.Get(ctx, "emb:v1:abc")
	assert.True(t, ok, "other namespaces must be untouched")
}

func TestMemoryClearAndStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10)

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)
	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "nope")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 2, stats.Size)

	c.Clear(ctx)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestBuildKey(t *testing.T) {
	k1 := BuildKey(NamespaceSearch, "query", "5")
	k2 := BuildKey(NamespaceSearch, "query", "5")
	k3 := BuildKey(NamespaceSearch, "query", "6")

	assert.Equal(t, k1, k2, "identical inputs must produce identical keys")
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^search:v1:[0-9a-f]{16}$`, k1)

	// Part boundaries must be unambiguous.
	assert.NotEqual(t, BuildKey(NamespaceEmbedding, "ab", "c"), BuildKey(NamespaceEmbedding, "a", "bc"))

	matched, err := matchPattern(NamespacePattern(NamespaceSearch), k1)
	require.NoError(t, err)
	assert.True(t, matched)
}

func matchPattern(pattern, key string) (bool, error) {
	ctx := context.Background()
	c, err := NewMemoryCache(4)
	if err != nil {
		return false, err
	}
	c.Set(ctx, key, []byte("x"), 0)
	return c.DeleteMatching(ctx, pattern) == 1, nil
}

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	c := NewNoopCache()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "disabled cache always misses")
	assert.Equal(t, 0, c.DeleteMatching(ctx, "*"))
	assert.Equal(t, Stats{}, c.Stats())
}
