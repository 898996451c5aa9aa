package cache

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryEntry wraps a value with its optional expiry deadline.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is a bounded in-process LRU cache with per-entry TTLs.
// Get, Set and Delete are serializable with respect to each other.
type MemoryCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, memoryEntry]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time
}

// NewMemoryCache creates an LRU cache bounded by maxSize entries.
func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	backing, err := lru.New[string, memoryEntry](maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: backing, now: time.Now}, nil
}

// Get returns a fresh entry, expiring stale ones on access.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	entry, ok := m.lru.Get(key)
	if ok && m.expired(entry) {
		m.lru.Remove(key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true
}

// Set stores value under key, evicting the least recently used entry when
// the cache is full. Concurrent writers race last-writer-wins.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	evicted := m.lru.Add(key, entry)
	m.mu.Unlock()

	if evicted {
		m.evictions.Add(1)
	}
}

// Delete removes key, reporting whether it was present.
func (m *MemoryCache) Delete(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Remove(key)
}

// DeleteMatching removes all keys matching the glob pattern.
func (m *MemoryCache) DeleteMatching(_ context.Context, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range m.lru.Keys() {
		if matched, err := path.Match(pattern, key); err == nil && matched {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (m *MemoryCache) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
}

// Stats returns the current counters.
func (m *MemoryCache) Stats() Stats {
	m.mu.Lock()
	size := m.lru.Len()
	m.mu.Unlock()

	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Size:      size,
		Evictions: m.evictions.Load(),
	}
}

// Close is a no-op for the in-process cache.
func (m *MemoryCache) Close() error { return nil }

func (m *MemoryCache) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}
