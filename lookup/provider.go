// Package lookup gathers candidate addresses for accelerated domains from
// several independent sources.
package lookup

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/ghaccel/ghaccel/log"
	"golang.org/x/sync/errgroup"
)

type Candidate struct {
	Domain  string     `json:"domain"`
	Address netip.Addr `json:"address"`
}

type CandidateSet map[Candidate]struct{}

func (s CandidateSet) Add(domain string, addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	s[Candidate{Domain: domain, Address: addr.Unmap()}] = struct{}{}
}

func (s CandidateSet) Merge(o CandidateSet) {
	for c := range o {
		s[c] = struct{}{}
	}
}

// Slice returns the set ordered by domain, then address.
func (s CandidateSet) Slice() []Candidate {
	out := make([]Candidate, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Address.Less(out[j].Address)
	})
	return out
}

// Provider is one source of candidates. Lower Priority sorts first when
// providers are listed.
type Provider interface {
	Name() string
	Priority() int
	Enabled() bool
	Lookup(ctx context.Context, domains []string) (CandidateSet, error)
}

// Filter removes unusable addresses, e.g. poisoned answers.
type Filter interface {
	Allow(addr netip.Addr) bool
}

// Union queries every enabled provider concurrently and merges the results.
// A provider that fails or panics contributes nothing; the others still count.
type Union struct {
	providers []Provider
	filter    Filter
}

func NewUnion(filter Filter, providers ...Provider) *Union {
	ps := append([]Provider(nil), providers...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority() < ps[j].Priority() })
	return &Union{providers: ps, filter: filter}
}

func (u *Union) Providers() []Provider {
	return append([]Provider(nil), u.providers...)
}

func (u *Union) Lookup(ctx context.Context, domains []string) (CandidateSet, error) {
	var (
		mu  sync.Mutex
		all = make(CandidateSet)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range u.providers {
		if !p.Enabled() {
			continue
		}
		g.Go(func() error {
			set, err := safeLookup(gctx, p, domains)
			if err != nil {
				log.Warnf("lookup: provider %s failed: %v", p.Name(), err)
				return nil
			}
			log.Tracef("lookup: provider %s returned %d candidates", p.Name(), len(set))
			mu.Lock()
			all.Merge(set)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if u.filter != nil {
		for c := range all {
			if !u.filter.Allow(c.Address) {
				log.Tracef("lookup: dropping %s for %s", c.Address, c.Domain)
				delete(all, c)
			}
		}
	}
	return all, ctx.Err()
}

func safeLookup(ctx context.Context, p Provider, domains []string) (set CandidateSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			set, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Lookup(ctx, domains)
}
