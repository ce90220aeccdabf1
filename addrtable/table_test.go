package addrtable

import (
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"
)

var (
	addrA = netip.MustParseAddr("140.82.112.3")
	addrB = netip.MustParseAddr("140.82.112.4")
	addrC = netip.MustParseAddr("140.82.113.3")
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestOfferKeepsFastest(t *testing.T) {
	tbl := New(0)

	if !tbl.Offer("github.com", addrA, 120*time.Millisecond) {
		t.Fatal("first offer should populate")
	}
	if !tbl.Offer("github.com", addrB, 40*time.Millisecond) {
		t.Fatal("faster offer should replace")
	}
	if tbl.Offer("github.com", addrC, 40*time.Millisecond) {
		t.Error("equal latency must not replace")
	}
	if tbl.Offer("github.com", addrA, 90*time.Millisecond) {
		t.Error("slower offer must not replace")
	}

	e, ok := tbl.Get("GitHub.com.")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Address != addrB || e.Elapsed != 40*time.Millisecond {
		t.Errorf("entry = %+v, want %v@40ms", e, addrB)
	}
}

func TestOfferAfterStale(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tbl := NewWithClock(time.Minute, clk.now)

	tbl.Offer("github.com", addrA, 10*time.Millisecond)

	clk.advance(30 * time.Second)
	if tbl.Offer("github.com", addrB, 200*time.Millisecond) {
		t.Fatal("slower offer replaced a fresh entry")
	}

	clk.advance(31 * time.Second)
	if !tbl.Offer("github.com", addrB, 200*time.Millisecond) {
		t.Fatal("slower offer should replace a stale entry")
	}
	if e, _ := tbl.Get("github.com"); e.Address != addrB {
		t.Errorf("address = %v, want %v", e.Address, addrB)
	}

	rows := tbl.Snapshot()
	if len(rows) != 1 || rows[0].Stale {
		t.Errorf("snapshot = %+v, want one fresh row", rows)
	}
}

// A failed probe never reaches the table, so the only way an entry could
// disappear is through the table API itself. Nothing but Offer writes best.
func TestFailuresNeverClear(t *testing.T) {
	tbl := New(time.Minute)
	tbl.Offer("github.com", addrA, 10*time.Millisecond)
	tbl.SetAlternates("github.com", nil)
	tbl.Offer("github.com", netip.Addr{}, 0)

	if got := tbl.Candidates("github.com"); !slices.Equal(got, []netip.Addr{addrA}) {
		t.Errorf("candidates = %v", got)
	}
}

func TestCandidatesOrder(t *testing.T) {
	tbl := New(0)
	if got := tbl.Candidates("github.com"); got != nil {
		t.Errorf("unknown domain candidates = %v", got)
	}

	tbl.Offer("github.com", addrB, 10*time.Millisecond)
	tbl.SetAlternates("github.com", []netip.Addr{addrB, addrA, addrC})

	want := []netip.Addr{addrB, addrA, addrC}
	if got := tbl.Candidates("github.com"); !slices.Equal(got, want) {
		t.Errorf("candidates = %v, want %v", got, want)
	}
}

func TestConcurrentOffers(t *testing.T) {
	tbl := New(0)
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(ms int) {
			defer wg.Done()
			addr := netip.AddrFrom4([4]byte{10, 0, 0, byte(ms)})
			tbl.Offer("github.com", addr, time.Duration(ms)*time.Millisecond)
		}(i)
	}
	wg.Wait()

	e, ok := tbl.Get("github.com")
	if !ok || e.Elapsed != time.Millisecond {
		t.Errorf("best = %+v, want 1ms", e)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d", tbl.Len())
	}
}

func TestSnapshotSorted(t *testing.T) {
	tbl := New(0)
	tbl.Offer("raw.githubusercontent.com", addrC, time.Millisecond)
	tbl.Offer("api.github.com", addrA, time.Millisecond)
	tbl.Offer("github.com", addrB, time.Millisecond)

	var domains []string
	for _, r := range tbl.Snapshot() {
		domains = append(domains, r.Domain)
	}
	want := []string{"api.github.com", "github.com", "raw.githubusercontent.com"}
	if !slices.Equal(domains, want) {
		t.Errorf("domains = %v, want %v", domains, want)
	}
}
