// Package dispatch moves inbound events from the protocol layer to the
// configured sink, deduplicating within a sliding window.
package dispatch

import (
	"context"
	"sync"
	"time"
)

// Window tracks recently delivered dedup keys. SeenOrRecord atomically
// checks and records a key: true means the key was already inside the
// window and the event is a duplicate.
type Window interface {
	SeenOrRecord(ctx context.Context, key string) (bool, error)
}

// MemoryWindow is the in-process Window: a TTL map bounded by a fixed
// ring of keys, so memory stays flat no matter the event rate.
type MemoryWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // key -> expiry
	ring    []string
	head    int
	full    bool
}

// NewMemoryWindow creates a window holding keys for ttl, capped at
// maxEntries keys.
func NewMemoryWindow(ttl time.Duration, maxEntries int) *MemoryWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &MemoryWindow{
		ttl:     ttl,
		entries: make(map[string]time.Time, maxEntries),
		ring:    make([]string, maxEntries),
	}
}

// SeenOrRecord reports whether key was recorded within the window and
// records it if not. When the ring is full the oldest key is evicted,
// which can only cause a re-delivery, never a false duplicate.
func (w *MemoryWindow) SeenOrRecord(_ context.Context, key string) (bool, error) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if expiry, ok := w.entries[key]; ok {
		if now.Before(expiry) {
			return true, nil
		}
		// Refresh a lapsed key in its existing ring slot. Appending a
		// second slot would let the stale one evict an unrelated live
		// key later.
		w.entries[key] = now.Add(w.ttl)
		return false, nil
	}

	if w.full {
		delete(w.entries, w.ring[w.head])
	}
	w.ring[w.head] = key
	w.head = (w.head + 1) % len(w.ring)
	if w.head == 0 {
		w.full = true
	}

	w.entries[key] = now.Add(w.ttl)
	return false, nil
}

// Len returns the number of live keys, counting expired stragglers that
// have not been overwritten yet.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
