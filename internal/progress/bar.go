package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Bar renders the progress of one transfer on a terminal.
type Bar struct {
	bar       *progressbar.ProgressBar
	meter     *Meter
	throttle  *Throttle
	operation string
	name      string
	once      sync.Once
}

// NewBar starts a bar for a transfer of total bytes.
func NewBar(w io.Writer, operation, name string, total int64) *Bar {
	size := total
	if size < 1 {
		size = 1
	}
	meter := NewMeter()
	meter.Start(size)
	return &Bar{
		bar: progressbar.NewOptions64(size,
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", operation, name)),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(false),
		),
		meter:     meter,
		throttle:  NewThrottle(DefaultInterval),
		operation: operation,
		name:      name,
	}
}

// Update records progress as a fraction of the total. Completion is always
// rendered; intermediate updates are throttled.
func (b *Bar) Update(fraction float64) {
	b.meter.Observe(fraction)
	if fraction < 1 && !b.throttle.Allow() {
		return
	}
	stats := b.meter.Snapshot()
	b.bar.Describe(fmt.Sprintf("%s %s (%s, ETA %s)", b.operation, b.name, formatRate(stats.RateBps), formatETA(stats.ETA)))
	_ = b.bar.Set64(stats.BytesDone)
}

// Done marks the transfer complete.
func (b *Bar) Done() {
	b.once.Do(func() {
		b.bar.Describe(fmt.Sprintf("%s %s", b.operation, b.name))
		_ = b.bar.Finish()
	})
}

// Abort stops rendering without marking the transfer complete.
func (b *Bar) Abort() {
	b.once.Do(func() {
		_ = b.bar.Exit()
	})
}

// Stats returns the meter snapshot behind the bar.
func (b *Bar) Stats() Stats {
	return b.meter.Snapshot()
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
