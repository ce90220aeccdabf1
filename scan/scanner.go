package scan

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/lookup"
	"github.com/google/uuid"
)

// Source supplies candidates for a round.
type Source interface {
	Lookup(ctx context.Context, domains []string) (lookup.CandidateSet, error)
}

type Options struct {
	Domains    []string
	Interval   time.Duration
	Port       int
	KeepRounds int
}

// Round summarises one pass over every candidate.
type Round struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Available  int           `json:"available"`
	Updated    int           `json:"updated"`
	Domains    int           `json:"domains"`
}

type Scanner struct {
	opts      Options
	source    Source
	handler   Handler
	table     *addrtable.Table
	histories *HistoryStore

	// OnRound, if set, is called after every round.
	OnRound func(Round)

	trigger chan struct{}
	mu      sync.RWMutex
	rounds  []Round
}

func NewScanner(opts Options, source Source, handler Handler, table *addrtable.Table, histories *HistoryStore) *Scanner {
	if opts.Port == 0 {
		opts.Port = 443
	}
	if opts.KeepRounds < 1 {
		opts.KeepRounds = 16
	}
	return &Scanner{
		opts:      opts,
		source:    source,
		handler:   handler,
		table:     table,
		histories: histories,
		trigger:   make(chan struct{}, 1),
	}
}

// Run scans immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	s.ScanOnce(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
			ticker.Reset(s.opts.Interval)
		}
		s.ScanOnce(ctx)
	}
}

// Trigger asks Run for an extra round. It reports false if one is already
// pending.
func (s *Scanner) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scanner) ScanOnce(ctx context.Context) Round {
	round := Round{ID: uuid.New().String(), Started: time.Now()}

	set, err := s.source.Lookup(ctx, s.opts.Domains)
	if err != nil && len(set) == 0 {
		log.Warnf("scan round %s: lookup failed: %v", round.ID, err)
	}
	candidates := set.Slice()
	round.Candidates = len(candidates)

	probes := make([]*ProbeContext, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		pc := &ProbeContext{
			Domain:  c.Domain,
			Address: c.Address,
			Port:    s.opts.Port,
			History: s.histories.For(c.Domain, c.Address),
		}
		probes[i] = pc
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("scan: probe %s panicked: %v", pc, r)
				}
			}()
			s.handler(ctx, pc)
		}()
	}
	wg.Wait()

	byDomain := make(map[string][]*ProbeContext)
	for _, pc := range probes {
		if pc.Available {
			byDomain[pc.Domain] = append(byDomain[pc.Domain], pc)
			round.Available++
		}
	}
	for domain, list := range byDomain {
		sort.Slice(list, func(i, j int) bool { return list[i].Elapsed < list[j].Elapsed })
		addrs := make([]netip.Addr, 0, len(list))
		for _, pc := range list {
			if s.table.Offer(domain, pc.Address, pc.Elapsed) {
				round.Updated++
			}
			addrs = append(addrs, pc.Address)
		}
		s.table.SetAlternates(domain, addrs)
	}
	round.Domains = len(byDomain)
	round.Duration = time.Since(round.Started)

	s.mu.Lock()
	s.rounds = append(s.rounds, round)
	if len(s.rounds) > s.opts.KeepRounds {
		s.rounds = s.rounds[len(s.rounds)-s.opts.KeepRounds:]
	}
	s.mu.Unlock()

	log.Infof("scan round %s: %d/%d candidates available for %d domains, %d table updates in %v",
		round.ID, round.Available, round.Candidates, round.Domains, round.Updated, round.Duration.Round(time.Millisecond))
	if s.OnRound != nil {
		s.OnRound(round)
	}
	return round
}

// Rounds returns the retained rounds, newest last.
func (s *Scanner) Rounds() []Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Round(nil), s.rounds...)
}

func (s *Scanner) Domains() []string {
	return append([]string(nil), s.opts.Domains...)
}
