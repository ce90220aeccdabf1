// Package flow measures bytes moved through tunnels.
package flow

import (
	"sync"
	"time"
)

const DefaultWindow = 5 * time.Second

type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// Rate is a point-in-time view of a Meter. Totals are cumulative; rates are
// bytes per second over the sliding window.
type Rate struct {
	ReadTotal  int64   `json:"read_total"`
	WriteTotal int64   `json:"write_total"`
	ReadRate   float64 `json:"read_rate"`
	WriteRate  float64 `json:"write_rate"`
}

type sample struct {
	at time.Time
	n  int64
}

// window holds samples of one direction in arrival order.
type window struct {
	samples []sample
	sum     int64
	total   int64
}

func (w *window) add(at time.Time, n int64) {
	w.samples = append(w.samples, sample{at: at, n: n})
	w.sum += n
	w.total += n
}

// evict drops samples older than cutoff.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		w.sum -= w.samples[i].n
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Meter accumulates per-direction byte counts. Eviction is lazy: it happens
// on insert and on query, never on a timer.
type Meter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	read   window
	write  window
}

func NewMeter() *Meter {
	return NewMeterWithClock(DefaultWindow, time.Now)
}

func NewMeterWithClock(span time.Duration, now func() time.Time) *Meter {
	if span <= 0 {
		span = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Meter{window: span, now: now}
}

func (m *Meter) Window() time.Duration {
	if m == nil {
		return DefaultWindow
	}
	return m.window
}

// OnFlow records n bytes moved in direction d. Non-positive n is ignored.
func (m *Meter) OnFlow(d Direction, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w := m.dir(d)
	w.add(now, int64(n))
	w.evict(now.Add(-m.window))
}

func (m *Meter) Rate() Rate {
	if m == nil {
		return Rate{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.window)
	m.read.evict(cutoff)
	m.write.evict(cutoff)
	secs := m.window.Seconds()
	return Rate{
		ReadTotal:  m.read.total,
		WriteTotal: m.write.total,
		ReadRate:   float64(m.read.sum) / secs,
		WriteRate:  float64(m.write.sum) / secs,
	}
}

func (m *Meter) dir(d Direction) *window {
	if d == Read {
		return &m.read
	}
	return &m.write
}
