package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks in-flight calls for explicit cancellation, for
// example all calls of a socket connection when it closes. It maps call
// keys to their cancel functions.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]context.CancelFunc),
	}
}

// Register adds an in-flight call to the registry.
func (r *InFlightRegistry) Register(key string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = cancel
}

// Cancel cancels an in-flight call. Returns true if the key was found.
func (r *InFlightRegistry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.entries[key]
	if !ok {
		return false
	}
	cancel()
	delete(r.entries, key)
	return true
}

// Remove removes a call from the registry without cancelling it.
// Called when the call completes normally.
func (r *InFlightRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// CancelAll cancels every registered call and empties the registry.
// It returns the number of calls cancelled.
func (r *InFlightRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for key, cancel := range r.entries {
		cancel()
		delete(r.entries, key)
	}
	return n
}

// Len returns the number of in-flight calls.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
