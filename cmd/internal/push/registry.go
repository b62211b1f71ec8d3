package push

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrRegistryFull is returned by Add when the session limit is reached.
var ErrRegistryFull = errors.New("push: registry full")

// Registry maps client identifiers (remote host:port) to live sessions.
//
// Concurrency guarantees:
//   - Add/Remove/Snapshot are atomic with respect to each other.
//   - Snapshot returns a copy, so broadcasts never iterate the live map.
//   - Remove only deletes the exact session it is given, so a late teardown of a
//     replaced session cannot evict its successor.
//   - The capacity check and the insert happen under one lock.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	limit    int
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// SetLimit caps the number of sessions. n <= 0 removes the cap.
func (r *Registry) SetLimit(n int) {
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// Add registers s under s.ID. If another session was registered under the same id
// it is returned so the caller can tear it down. Replacing never counts against
// the limit; a new id at the limit returns ErrRegistryFull and s is not added.
func (r *Registry) Add(s *Session) (replaced *Session, err error) {
	if r == nil || s == nil || s.ID == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.sessions[s.ID]
	if replaced == nil && r.limit > 0 && len(r.sessions) >= r.limit {
		return nil, ErrRegistryFull
	}
	r.sessions[s.ID] = s
	n := len(r.sessions)
	ClientsConnected.Set(float64(n))

	r.log.Debug("registry.add", "client_id", s.ID, "session_id", s.SessionID, "clients", n)
	return replaced, nil
}

// Remove deletes id if it still maps to s. It reports whether an entry was removed.
func (r *Registry) Remove(id string, s *Session) bool {
	if r == nil || id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, id)
	n := len(r.sessions)
	ClientsConnected.Set(float64(n))

	r.log.Debug("registry.remove", "client_id", id, "clients", n)
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns a point-in-time copy of the registered sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every registered session.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Snapshot() {
		s.Close(reason)
	}
}
