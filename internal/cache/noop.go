package cache

import (
	"context"
	"time"
)

// NoopCache is used when caching is disabled: every read is a miss and
// every write is dropped.
type NoopCache struct{}

// NewNoopCache returns the disabled-cache adapter.
func NewNoopCache() *NoopCache { return &NoopCache{} }

func (*NoopCache) Get(context.Context, string) ([]byte, bool)        { return nil, false }
func (*NoopCache) Set(context.Context, string, []byte, time.Duration) {}
func (*NoopCache) Delete(context.Context, string) bool               { return false }
func (*NoopCache) DeleteMatching(context.Context, string) int        { return 0 }
func (*NoopCache) Clear(context.Context)                             {}
func (*NoopCache) Stats() Stats                                      { return Stats{} }
func (*NoopCache) Close() error                                      { return nil }
