package config

import (
	"sync"
)

// Holder publishes configuration snapshots atomically. Readers get the
// snapshot that was current when they asked; a reload swaps the pointer and
// never mutates a published snapshot.
type Holder struct {
	mu        sync.RWMutex
	current   Snapshot
	listeners []chan<- Snapshot
}

// NewHolder wraps an initial snapshot.
func NewHolder(initial Snapshot) *Holder {
	return &Holder{current: initial}
}

// Get returns the current snapshot.
func (h *Holder) Get() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Publish installs a new snapshot and notifies subscribers. Notification is
// best-effort: a subscriber that is not draining its channel is skipped.
func (h *Holder) Publish(next Snapshot) {
	h.mu.Lock()
	h.current = next
	listeners := make([]chan<- Snapshot, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- next:
		default:
		}
	}
}

// Subscribe registers a channel that receives each published snapshot.
// The channel should be buffered.
func (h *Holder) Subscribe(ch chan<- Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, ch)
}
