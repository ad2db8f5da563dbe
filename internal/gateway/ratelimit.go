package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked client keys so rotating
	// source addresses cannot grow the map without bound.
	maxTrackedKeys = 4096

	rateLimitWindow = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter is a fixed-window per-client limiter for the mutating HTTP
// routes (send, pair, logout). Safe for concurrent use.
type RateLimiter struct {
	rpm int

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per client per
// minute. rpm <= 0 disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, entries: make(map[string]*rateLimitEntry), now: time.Now}
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow returns true if key is within its budget for the current window.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Still full: evict arbitrary keys.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.rpm
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
