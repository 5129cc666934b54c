package transfer

import (
	"fmt"
	"sync"
)

// Registry tracks the active session per entry ref so that at most one
// transfer runs for an entry at a time.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Session)}
}

// Acquire registers a new session of kind for ref and returns it with a
// release function. It fails with ErrTransferActive while another session for ref
// is registered.
func (r *Registry) Acquire(ref string, kind Kind) (*Session, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[ref]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrTransferActive, ref)
	}
	s := NewSession(ref, kind)
	r.active[ref] = s
	release := func() {
		r.mu.Lock()
		if r.active[ref] == s {
			delete(r.active, ref)
		}
		r.mu.Unlock()
	}
	return s, release, nil
}

// Get returns the active session for ref.
func (r *Registry) Get(ref string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[ref]
	return s, ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
