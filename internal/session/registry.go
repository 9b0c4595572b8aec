package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the supervisor's concurrent mapping from session id to
// session handle. Sessions are added at accept time, just before Start,
// and removed when they reach Closed or their Start fails.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the session for an id, or nil. The router resolves index
// lookups through here; a nil result means the session closed between
// lookup and dispatch, which the caller treats as a no-op.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach visits a point-in-time snapshot of the sessions, outside the
// registry lock, so callbacks may close or remove sessions.
func (r *Registry) ForEach(fn func(s *Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// CloseAll starts an orderly close on every registered session.
func (r *Registry) CloseAll(reason CloseReason) {
	r.ForEach(func(s *Session) {
		s.Close(reason)
	})
}

// AbortAll force-closes every remaining socket. Called after the drain
// window elapses during shutdown.
func (r *Registry) AbortAll() {
	r.ForEach(func(s *Session) {
		s.Abort()
	})
}
