package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache is the distributed cache adapter. TTLs are enforced server-side
// and pattern deletion uses SCAN so large keyspaces are not blocked. Runtime
// failures are logged and treated as misses; the cache is advisory.
type RedisCache struct {
	client *redis.Client
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to the Redis server and verifies reachability with
// a ping so the factory can fall back to the in-process cache at startup.
func NewRedisCache(ctx context.Context, addr string, db int, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisCache{client: client, logger: logger}, nil
}

// Get fetches key, treating any backend failure as a miss.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("redis get failed, treating as miss")
		}
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return value, true
}

// Set stores value under key. A zero TTL stores without expiry.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

// Delete removes key, reporting whether it was present.
func (r *RedisCache) Delete(ctx context.Context, key string) bool {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
		return false
	}
	return n > 0
}

// DeleteMatching removes all keys matching the glob pattern using SCAN.
func (r *RedisCache) DeleteMatching(ctx context.Context, pattern string) int {
	removed := 0
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", iter.Val()).Msg("redis delete failed during pattern scan")
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn().Err(err).Str("pattern", pattern).Msg("redis scan failed")
	}
	return removed
}

// Clear flushes the configured database.
func (r *RedisCache) Clear(ctx context.Context) {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		r.logger.Warn().Err(err).Msg("redis flush failed")
	}
}

// Stats returns client-side hit/miss counters; size and evictions are
// managed by the server and reported as zero here.
func (r *RedisCache) Stats() Stats {
	stats := Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
	if size, err := r.client.DBSize(context.Background()).Result(); err == nil {
		stats.Size = int(size)
	}
	return stats
}

// Close closes the client connection pool.
func (r *RedisCache) Close() error { return r.client.Close() }
