package session

import (
	"errors"
	"sort"
	"sync"
)

var ErrDuplicateUser = errors.New("username already connected")

// Registry maps usernames to their live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Bind claims username for s. A name held by a live session is rejected; a
// name left behind by a closed session is taken over.
func (r *Registry) Bind(username string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[username]; ok && cur != s && cur.State() != Closed {
		return ErrDuplicateUser
	}
	r.sessions[username] = s
	return nil
}

// Lookup returns the live session for username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[username]
	r.mu.RUnlock()
	if !ok || s.State() == Closed {
		return nil, false
	}
	return s, true
}

// Unbind releases username if it is still bound to s.
func (r *Registry) Unbind(username string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[username]; ok && cur == s {
		delete(r.sessions, username)
		return true
	}
	return false
}

// Usernames returns the bound usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s.State() != Closed {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Sessions snapshots the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() != Closed {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
