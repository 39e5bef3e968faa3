// Package dedup provides a bounded seen-id window for at-least-once
// backends. Membership is best-effort by design: the window is capped, so
// very old ids fall out, and it is reset on process restart.
package dedup

import "sync"

// DefaultCapacity bounds the per-topic window when the adapter config
// leaves it unset.
const DefaultCapacity = 4096

// Window is a capped insertion-ordered id set. When full, the oldest id is
// evicted to admit the newest.
type Window struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
	head  int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Window{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Observe records id and reports whether it was already present. Empty ids
// are never tracked.
func (w *Window) Observe(id string) (dup bool) {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return true
	}
	if len(w.order) < w.cap {
		w.order = append(w.order, id)
	} else {
		// Ring is full: evict the oldest slot.
		delete(w.seen, w.order[w.head])
		w.order[w.head] = id
		w.head = (w.head + 1) % w.cap
	}
	w.seen[id] = struct{}{}
	return false
}

// Len returns the number of ids currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
