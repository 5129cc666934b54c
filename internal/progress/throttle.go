package progress

import (
	"sync/atomic"
	"time"
)

// DefaultInterval is the minimum spacing between rendered updates.
const DefaultInterval = 250 * time.Millisecond

// Throttle lets at most one update through per interval across goroutines.
type Throttle struct {
	interval time.Duration
	last     atomic.Int64
	now      func() time.Time
}

// NewThrottle creates a throttle. A non-positive interval uses DefaultInterval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether an update may be rendered now.
func (t *Throttle) Allow() bool {
	now := t.now().UnixNano()
	prev := t.last.Load()
	if prev != 0 && now-prev < int64(t.interval) {
		return false
	}
	return t.last.CompareAndSwap(prev, now)
}
