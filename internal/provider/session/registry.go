package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrExists   = errors.New("session already registered")
	ErrNotFound = errors.New("session not registered")
)

// Registry owns the process's sending sessions keyed by identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

func (r *Registry) Register(s *Session) error {
	if s == nil || s.Identity() == "" {
		return errors.New("session identity is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry is shut down")
	}
	if _, ok := r.sessions[s.Identity()]; ok {
		return ErrExists
	}
	r.sessions[s.Identity()] = s
	return nil
}

func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Deregister removes and closes the session.
func (r *Registry) Deregister(ctx context.Context, identity string) error {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.Close(ctx)
}

// List returns sessions ordered by identity.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ShutdownAll closes every session and refuses new registrations.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := r.sessions
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
