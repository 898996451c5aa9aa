// Package ratelimit provides an in-memory sliding-window rate limiter keyed
// by client, used to protect the HTTP surface from a single noisy caller.
package ratelimit

import (
	"sync"
	"time"
)

// cleanupInterval bounds how often stale windows are swept.
const cleanupInterval = time.Minute

// Result is the outcome of a limit check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long the caller should wait before the next
	// attempt; zero when the request was allowed.
	RetryAfter time.Duration
}

// SlidingWindow is a per-key sliding-window limiter. Each key keeps the
// timestamps of its recent requests; requests older than the window are
// pruned on every check.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	requests  map[string][]time.Time
	lastSweep time.Time

	now func() time.Time
}

// NewSlidingWindow builds a limiter allowing limit requests per window for
// each key.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Check records a request for key and reports whether it is allowed.
func (sw *SlidingWindow) Check(key string) Result {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	// lastSweep starts from the clock's first reading so an injected clock
	// drives the sweep schedule too.
	if sw.lastSweep.IsZero() {
		sw.lastSweep = now
	} else if now.Sub(sw.lastSweep) >= cleanupInterval {
		sw.sweep(cutoff)
		sw.lastSweep = now
	}

	recent := pruneBefore(sw.requests[key], cutoff)
	if len(recent) >= sw.limit {
		sw.requests[key] = recent
		return Result{
			Allowed:    false,
			RetryAfter: recent[0].Add(sw.window).Sub(now),
		}
	}

	sw.requests[key] = append(recent, now)
	return Result{Allowed: true, Remaining: sw.limit - len(recent) - 1}
}

// sweep drops keys whose every request has aged out. Caller holds the lock.
func (sw *SlidingWindow) sweep(cutoff time.Time) {
	for key, times := range sw.requests {
		recent := pruneBefore(times, cutoff)
		if len(recent) == 0 {
			delete(sw.requests, key)
			continue
		}
		sw.requests[key] = recent
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
