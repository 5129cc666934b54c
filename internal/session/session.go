package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket is an upload reservation issued by the preflight request. The
// uploader presents its ref and signed token when joining the upload topic.
type Ticket struct {
	Ref       string    `json:"ref"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the ticket is past its expiry at now.
func (t Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Store is a thread-safe in-memory store for upload tickets.
type Store struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a new ticket store with the specified TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		tickets: make(map[string]Ticket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create issues a ticket with a fresh ref for an object named name.
func (s *Store) Create(name string, size int64, encrypted bool) Ticket {
	now := s.now()
	t := Ticket{
		Ref:       uuid.NewString(),
		Name:      name,
		Size:      size,
		Encrypted: encrypted,
		CreatedAt: now,
	}
	if s.ttl > 0 {
		t.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.Ref] = t
	return t
}

// Get returns the live ticket for ref. Expired tickets are reported as missing.
func (s *Store) Get(ref string) (Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ref]
	if !ok || t.Expired(s.now()) {
		return Ticket{}, false
	}
	return t, true
}

// Delete removes the ticket for ref.
func (s *Store) Delete(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, ref)
}

// Count returns the number of stored tickets, expired ones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// CleanupExpired removes all tickets expired at now and returns their refs.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for ref, t := range s.tickets {
		if t.Expired(now) {
			removed = append(removed, ref)
		}
	}
	for _, ref := range removed {
		delete(s.tickets, ref)
	}
	return removed
}
