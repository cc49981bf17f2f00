package server

import (
	"errors"
	"sort"
	"sync"
)

var ErrAlreadyOnline = errors.New("user is already logged in")

// Registry maps usernames to their live session. It is the single source of
// truth for who is online.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // username -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers sess under its username. It fails with ErrAlreadyOnline if the
// name already has a session; the check and insert are atomic.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.User]; exists {
		return ErrAlreadyOnline
	}
	r.sessions[sess.User] = sess
	return nil
}

// Remove deletes name only if it is still bound to sess, and reports whether
// it did. A session can therefore never remove its successor.
func (r *Registry) Remove(name string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[name]; !ok || cur != sess {
		return false
	}
	delete(r.sessions, name)
	return true
}

// Get returns the live session for name.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns all live sessions (snapshot), ordered by username.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].User < result[j].User })
	return result
}

// Names returns the sorted usernames of all live sessions.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.User
	}
	return names
}
