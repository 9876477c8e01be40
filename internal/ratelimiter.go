package internal

import (
	"sync"
	"time"
)

// RateLimiter bounds how often a single caller may hit a query endpoint,
// using a sliding window of recent request times per key.
type RateLimiter struct {
	mu      sync.Mutex
	recent  map[string][]time.Time
	maxHits int
	window  time.Duration
}

func NewRateLimiter(maxHits int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		recent:  make(map[string][]time.Time),
		maxHits: maxHits,
		window:  window,
	}
}

// Allow records a request for key and reports whether it fits the window.
func (r *RateLimiter) Allow(key string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := pruneBefore(r.recent[key], now.Add(-r.window))
	if len(kept) >= r.maxHits {
		r.recent[key] = kept
		return false
	}
	r.recent[key] = append(kept, now)
	return true
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	live := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return live
}
