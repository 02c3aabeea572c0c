package progress

import (
	"sync"
	"time"
)

// minElapsed keeps throughput finite when two observations share a timestamp.
const minElapsed = time.Millisecond

// Snapshot is a single progress observation.
type Snapshot struct {
	Bytes      int64
	Total      int64
	Percent    float64
	Throughput float64 // bytes per second since the previous observation
	At         time.Time
}

// Compute returns the completion percentage and the throughput between two
// observations. Percent is 0 when total is unknown.
func Compute(bytes, total, prevBytes int64, prevAt, now time.Time) (percent, throughput float64) {
	if total > 0 {
		percent = float64(bytes) * 100 / float64(total)
		if percent > 100 {
			percent = 100
		}
	}

	elapsed := now.Sub(prevAt)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}

	delta := bytes - prevBytes
	if delta < 0 {
		delta = 0
	}

	throughput = float64(delta) / elapsed.Seconds()

	return percent, throughput
}

// Tracker turns raw byte counts into snapshots and decides when an outward
// notification is due.
type Tracker struct {
	mu             sync.Mutex
	now            func() time.Time
	notifyInterval time.Duration
	start          time.Time
	prevBytes      int64
	prevAt         time.Time
	lastNotify     time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(notifyInterval time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		now:            time.Now,
		notifyInterval: notifyInterval,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.start = t.now()
	t.prevAt = t.start
	t.lastNotify = t.start

	return t
}

// Observe records the cumulative byte count. The boolean is true when at
// least notifyInterval has passed since the last notification.
func (t *Tracker) Observe(bytes, total int64) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	percent, throughput := Compute(bytes, total, t.prevBytes, t.prevAt, now)

	t.prevBytes = bytes
	t.prevAt = now

	due := now.Sub(t.lastNotify) >= t.notifyInterval
	if due {
		t.lastNotify = now
	}

	return Snapshot{
		Bytes:      bytes,
		Total:      total,
		Percent:    percent,
		Throughput: throughput,
		At:         now,
	}, due
}

// Average returns total bytes divided by the wall-clock time since the tracker started.
func (t *Tracker) Average(total int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.start)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}

	return float64(total) / elapsed.Seconds()
}

// Elapsed returns the time since the tracker started.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.now().Sub(t.start)
}
