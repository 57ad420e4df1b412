package ws

import (
	"sync"
	"sync/atomic"
)

// Hub tracks every open session, authenticated or not yet registered, so
// shutdown can reach all of them.
type Hub struct {
	sessions sync.Map // map[string]*Session
	count    atomic.Int64
}

// NewHub builds a fresh session hub.
func NewHub() *Hub {
	return &Hub{}
}

// Register adds a new session to the hub.
func (h *Hub) Register(session *Session) {
	if session == nil {
		return
	}
	if _, loaded := h.sessions.LoadOrStore(session.ID(), session); !loaded {
		h.count.Add(1)
	}
}

// Unregister removes the session from the hub.
func (h *Hub) Unregister(id string) {
	if id == "" {
		return
	}
	if _, loaded := h.sessions.LoadAndDelete(id); loaded {
		h.count.Add(-1)
	}
}

// CloseAll terminates all active sessions.
func (h *Hub) CloseAll(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}

	h.sessions.Range(func(key, value any) bool {
		if session, ok := value.(*Session); ok {
			session.Close(reason)
		}
		return true
	})
}

// Count exposes the number of open sessions.
func (h *Hub) Count() int {
	return int(h.count.Load())
}
