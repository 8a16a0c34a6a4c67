package bus

import (
	"sync"
	"time"
)

// DedupeCache is a TTL-bounded seen-set for inbound messages. Provider
// webhook retries and client double-taps carry the same message id; the
// consumer skips keys it has seen within the TTL.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	max     int
}

// NewDedupeCache creates a dedupe cache with the given TTL and entry cap.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     max,
	}
}

// IsDuplicate records the key and reports whether it was already present
// within the TTL.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		for k, seen := range d.entries {
			if now.Sub(seen) >= d.ttl {
				delete(d.entries, k)
			}
		}
		// Hard eviction if pruning expired entries was not enough.
		for len(d.entries) >= d.max {
			for k := range d.entries {
				delete(d.entries, k)
				break
			}
		}
	}

	d.entries[key] = now
	return false
}

// Len reports the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
