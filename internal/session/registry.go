package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks the live controllers by session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Controller)}
}

// Add registers c under its id, replacing any previous controller with that id.
func (r *Registry) Add(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.ID()] = c
}

// Get returns the controller for id.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Remove unregisters id and returns the controller that was registered.
func (r *Registry) Remove(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[id]
	delete(r.sessions, id)
	return c, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Prune ends and removes sessions that are finished or have been idle longer than maxIdle.
// It returns the number of sessions removed.
func (r *Registry) Prune(ctx context.Context, now time.Time, maxIdle time.Duration) int {
	r.mu.Lock()
	var stale []*Controller
	for id, c := range r.sessions {
		state := c.State()
		idle := now.Sub(c.LastActive())
		if state == StateSessionComplete || state == StateFailed || (maxIdle > 0 && idle > maxIdle) {
			stale = append(stale, c)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.End(ctx)
		c.Close()
	}
	if len(stale) > 0 {
		slog.Info("Registry.Prune: removed sessions", "count", len(stale))
	}
	return len(stale)
}

// CloseAll ends every registered session, flushing their logs.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for id, c := range r.sessions {
		all = append(all, c)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.End(ctx)
		c.Close()
	}
	slog.Debug("Registry.CloseAll: closed sessions", "count", len(all))
}
