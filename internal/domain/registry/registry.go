// Package registry holds the process-wide mapping from user id to that
// user's single active connection.
package registry

import (
	"sort"
	"sync"
)

// Sink is the outbound side of a client connection. Emit must not block on
// the client; implementations queue or drop.
type Sink interface {
	ID() string
	Emit(event string, data any) error
}

// Registry maps user ids to sinks. Every method runs under one lock so
// callers never observe intermediate state.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Sink
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[int64]Sink)}
}

// Register stores sink for userID, overwriting any previous entry. The
// previous sink is returned untouched; it is not closed and stays open until
// its own session ends.
func (r *Registry) Register(userID int64, sink Sink) (previous Sink) {
	if sink == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.conns[userID]
	r.conns[userID] = sink
	return previous
}

// Lookup returns the sink registered for userID.
func (r *Registry) Lookup(userID int64) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.conns[userID]
	return sink, ok
}

// Unregister removes the entry for userID only when it still holds sink.
// It reports whether an entry was removed.
func (r *Registry) Unregister(userID int64, sink Sink) bool {
	if sink == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[userID]
	if !ok || current != sink {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Snapshot returns the registered sinks ordered by user id.
func (r *Registry) Snapshot() []Sink {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sinks := make([]Sink, 0, len(ids))
	for _, id := range ids {
		sinks = append(sinks, r.conns[id])
	}
	r.mu.RUnlock()
	return sinks
}

// Len reports the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
