// Package cache provides the advisory caching layer: an in-process LRU and a
// Redis-backed distributed variant behind one interface. The cache owns
// nothing authoritative; every miss must be handleable by recomputation, and
// runtime failures degrade to misses rather than surfacing to callers.
package cache

import (
	"context"
	"time"
)

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Size      int   `json:"size"`
	Evictions int64 `json:"evictions"`
}

// Cache is the contract shared by all cache adapters. Values are opaque
// bytes; typed encoding and decoding happen at call sites. A zero TTL means
// no expiry. Failures of the backing store are absorbed by the adapter
// (logged, counted as misses) so callers never branch on cache errors.
type Cache interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) bool

	// DeleteMatching removes all keys matching a glob pattern such as
	// "search:*" and returns the number removed.
	DeleteMatching(ctx context.Context, pattern string) int

	// Clear removes all entries.
	Clear(ctx context.Context)

	// Stats returns hit/miss/size/eviction counters.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}
