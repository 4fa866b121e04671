// Package ratelimit provides sliding-window request limiting and the anonymous
// free-tier counter. Both have in-memory (single instance) and Redis
// (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most limit events per key within a trailing window.
// Returns whether the event is allowed, remaining quota, and when the oldest
// counted event leaves the window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter keeps per-key event timestamps.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := prune(r.events[key], now.Add(-window))

	if len(kept) >= limit {
		r.events[key] = kept
		resetAt := now.Add(window)
		if len(kept) > 0 {
			resetAt = kept[0].Add(window)
		}
		return false, 0, resetAt, nil
	}

	kept = append(kept, now)
	r.events[key] = kept

	return true, limit - len(kept), kept[0].Add(window), nil
}

func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
