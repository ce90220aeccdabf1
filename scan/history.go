package scan

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

type Sample struct {
	Success bool          `json:"success"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

// History is a fixed-capacity ring of probe samples. The oldest sample is
// overwritten once the ring is full.
type History struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Sample, capacity)}
}

func (h *History) Add(s Sample) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *History) Cap() int { return len(h.buf) }

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Samples returns the retained samples, oldest first.
func (h *History) Samples() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Sample(nil), h.buf[:h.next]...)
	}
	out := make([]Sample, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

type Summary struct {
	Domain      string        `json:"domain"`
	Address     netip.Addr    `json:"address"`
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	AvgElapsed  time.Duration `json:"avg_elapsed"`
	Last        *Sample       `json:"last,omitempty"`
}

func (h *History) Summary() Summary {
	samples := h.Samples()
	s := Summary{Count: len(samples)}
	var total time.Duration
	for _, x := range samples {
		if x.Success {
			s.Successes++
			total += x.Elapsed
		}
	}
	if s.Count > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Count)
		last := samples[len(samples)-1]
		s.Last = &last
	}
	if s.Successes > 0 {
		s.AvgElapsed = total / time.Duration(s.Successes)
	}
	return s
}

type historyKey struct {
	domain string
	addr   netip.Addr
}

// HistoryStore hands out one History per (domain, address).
type HistoryStore struct {
	capacity int
	m        sync.Map // historyKey -> *History
}

func NewHistoryStore(capacity int) *HistoryStore {
	return &HistoryStore{capacity: capacity}
}

func (s *HistoryStore) For(domain string, addr netip.Addr) *History {
	k := historyKey{domain: domain, addr: addr}
	if h, ok := s.m.Load(k); ok {
		return h.(*History)
	}
	h, _ := s.m.LoadOrStore(k, NewHistory(s.capacity))
	return h.(*History)
}

func (s *HistoryStore) Lookup(domain string, addr netip.Addr) (*History, bool) {
	h, ok := s.m.Load(historyKey{domain: domain, addr: addr})
	if !ok {
		return nil, false
	}
	return h.(*History), true
}

// Summaries returns one summary per tracked pair, optionally limited to a
// domain, ordered by domain and then by average latency.
func (s *HistoryStore) Summaries(domain string) []Summary {
	var out []Summary
	s.m.Range(func(k, v any) bool {
		key := k.(historyKey)
		if domain != "" && key.domain != domain {
			return true
		}
		sum := v.(*History).Summary()
		sum.Domain, sum.Address = key.domain, key.addr
		out = append(out, sum)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		if (out[i].Successes > 0) != (out[j].Successes > 0) {
			return out[i].Successes > 0
		}
		return out[i].AvgElapsed < out[j].AvgElapsed
	})
	return out
}
