package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedSenders caps tracked keys so rotating sender ids cannot
	// exhaust memory.
	maxTrackedSenders = 4096

	rateLimitWindow = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// SenderRateLimiter bounds per-sender message rates over a sliding
// one-minute window. Safe for concurrent use.
type SenderRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	maxHits int
}

// NewSenderRateLimiter creates a limiter allowing maxPerMinute messages
// per sender (<=0 means 20).
func NewSenderRateLimiter(maxPerMinute int) *SenderRateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 20
	}
	return &SenderRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		maxHits: maxPerMinute,
	}
}

// Allow reports whether the sender is within its rate budget, recording
// the hit.
func (r *SenderRateLimiter) Allow(senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[senderID]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[senderID] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
