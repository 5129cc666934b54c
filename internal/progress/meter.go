package progress

import (
	"sync"
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	Fraction  float64
	RateBps   float64
	ETA       time.Duration
	StartedAt time.Time
}

// Meter turns progress fractions into byte counts and a smoothed rate.
// Transfers report fractions of their declared size; the meter maps them
// back onto that size.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	fraction  float64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.fraction = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Observe records progress as a fraction in [0, 1]. Fractions below the
// last observed one are ignored.
func (m *Meter) Observe(fraction float64) {
	if fraction > 1 {
		fraction = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fraction <= m.fraction {
		return
	}
	m.fraction = fraction
	m.done = int64(fraction * float64(m.total))

	now := m.now()
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		Fraction:  m.fraction,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
