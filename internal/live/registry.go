package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// conn is the part of a websocket connection the registry needs.
type conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the active live connection per tab session. A tab that
// reconnects replaces its previous connection.
type Registry struct {
	mu     sync.RWMutex
	active map[string]conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]conn)}
}

// Register adds c for sessionID, closing any connection it replaces. The
// close handshake runs after the lock is released.
func (r *Registry) Register(sessionID string, c conn) {
	r.mu.Lock()
	existing, ok := r.active[sessionID]
	r.active[sessionID] = c
	r.mu.Unlock()

	if ok && existing != c {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	slog.Info("Live session registered", "session_id", sessionID)
}

// Unregister removes c if it is still the active connection for sessionID.
func (r *Registry) Unregister(sessionID string, c conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[sessionID]; ok && current == c {
		delete(r.active, sessionID)
		slog.Info("Live session unregistered", "session_id", sessionID)
	}
}

// Len reports the number of active connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll closes every active connection, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]conn)
	r.mu.Unlock()

	for sid, c := range active {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Live session closed", "session_id", sid)
	}
}
