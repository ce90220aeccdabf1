// Package addrtable keeps the fastest verified address per accelerated domain.
package addrtable

import (
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Entry struct {
	Domain  string        `json:"domain"`
	Address netip.Addr    `json:"address"`
	Elapsed time.Duration `json:"elapsed"`
	Updated time.Time     `json:"updated"`
}

// slot is the per-domain cell. best is replaced with compare-and-swap so
// concurrent offers for one domain never lose the faster result.
type slot struct {
	best       atomic.Pointer[Entry]
	alternates atomic.Pointer[[]netip.Addr]
}

// Table maps domain to its best known address. Safe for concurrent use.
type Table struct {
	slots      sync.Map // string -> *slot
	staleAfter time.Duration
	now        func() time.Time
}

// New returns an empty table. staleAfter <= 0 means entries never go stale.
func New(staleAfter time.Duration) *Table {
	return &Table{staleAfter: staleAfter, now: time.Now}
}

func NewWithClock(staleAfter time.Duration, now func() time.Time) *Table {
	t := New(staleAfter)
	if now != nil {
		t.now = now
	}
	return t
}

func key(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

func (t *Table) slot(domain string) *slot {
	k := key(domain)
	if s, ok := t.slots.Load(k); ok {
		return s.(*slot)
	}
	s, _ := t.slots.LoadOrStore(k, &slot{})
	return s.(*slot)
}

// Offer records a successful probe. The entry is replaced only when the
// domain has no entry yet, when elapsed is strictly lower than the current
// entry's, or when the current entry is stale. It reports whether the entry
// changed.
func (t *Table) Offer(domain string, addr netip.Addr, elapsed time.Duration) bool {
	if domain == "" || !addr.IsValid() {
		return false
	}
	s := t.slot(domain)
	for {
		cur := s.best.Load()
		now := t.now()
		if cur != nil && elapsed >= cur.Elapsed && !t.stale(cur, now) {
			return false
		}
		next := &Entry{Domain: key(domain), Address: addr, Elapsed: elapsed, Updated: now}
		if s.best.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (t *Table) stale(e *Entry, now time.Time) bool {
	return t.staleAfter > 0 && now.Sub(e.Updated) > t.staleAfter
}

// SetAlternates stores the addresses that answered in the latest round, in
// preference order. An empty list leaves the previous alternates in place.
func (t *Table) SetAlternates(domain string, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	cp := slices.Clone(addrs)
	t.slot(domain).alternates.Store(&cp)
}

func (t *Table) Get(domain string) (Entry, bool) {
	v, ok := t.slots.Load(key(domain))
	if !ok {
		return Entry{}, false
	}
	e := v.(*slot).best.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Candidates returns the best address followed by the alternates, without
// duplicates. The result is empty for unknown domains.
func (t *Table) Candidates(domain string) []netip.Addr {
	v, ok := t.slots.Load(key(domain))
	if !ok {
		return nil
	}
	s := v.(*slot)
	var out []netip.Addr
	if e := s.best.Load(); e != nil {
		out = append(out, e.Address)
	}
	if alt := s.alternates.Load(); alt != nil {
		for _, a := range *alt {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// Row is one line of a table snapshot.
type Row struct {
	Entry
	Alternates []netip.Addr `json:"alternates,omitempty"`
	Stale      bool         `json:"stale"`
}

// Snapshot returns every domain with a best entry, sorted by domain.
func (t *Table) Snapshot() []Row {
	now := t.now()
	var rows []Row
	t.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		e := s.best.Load()
		if e == nil {
			return true
		}
		r := Row{Entry: *e, Stale: t.stale(e, now)}
		if alt := s.alternates.Load(); alt != nil {
			r.Alternates = slices.Clone(*alt)
		}
		rows = append(rows, r)
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].Domain < rows[j].Domain })
	return rows
}

func (t *Table) Len() int {
	n := 0
	t.slots.Range(func(_, v any) bool {
		if v.(*slot).best.Load() != nil {
			n++
		}
		return true
	})
	return n
}
