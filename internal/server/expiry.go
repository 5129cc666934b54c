package server

import (
	"sync"
	"time"
)

// expiryManager runs one timer per upload ticket.
type expiryManager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newExpiryManager() *expiryManager {
	return &expiryManager{
		timers: make(map[string]*time.Timer),
	}
}

func (m *expiryManager) schedule(ref string, ttl time.Duration, fn func()) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	if existing := m.timers[ref]; existing != nil {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(ttl, func() {
		fn()
		m.mu.Lock()
		if m.timers[ref] == timer {
			delete(m.timers, ref)
		}
		m.mu.Unlock()
	})
	m.timers[ref] = timer
	m.mu.Unlock()
}

func (m *expiryManager) cancel(ref string) {
	m.mu.Lock()
	if timer := m.timers[ref]; timer != nil {
		timer.Stop()
		delete(m.timers, ref)
	}
	m.mu.Unlock()
}

func (m *expiryManager) stopAll() {
	m.mu.Lock()
	for ref, timer := range m.timers {
		timer.Stop()
		delete(m.timers, ref)
	}
	m.mu.Unlock()
}

func (m *expiryManager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
