package lookup

import (
	"context"
	"net/netip"
	"strings"

	"github.com/ghaccel/ghaccel/log"
)

// StaticProvider serves addresses listed in the configuration.
type StaticProvider struct {
	table map[string][]netip.Addr
}

func NewStaticProvider(entries map[string][]string) *StaticProvider {
	p := &StaticProvider{table: make(map[string][]netip.Addr, len(entries))}
	for domain, addrs := range entries {
		domain = strings.ToLower(strings.TrimSuffix(domain, "."))
		for _, s := range addrs {
			a, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				log.Warnf("lookup: static entry %s: invalid address %q", domain, s)
				continue
			}
			p.table[domain] = append(p.table[domain], a)
		}
	}
	return p
}

func (p *StaticProvider) Name() string  { return "static" }
func (p *StaticProvider) Priority() int { return 0 }
func (p *StaticProvider) Enabled() bool { return len(p.table) > 0 }

func (p *StaticProvider) Lookup(_ context.Context, domains []string) (CandidateSet, error) {
	set := make(CandidateSet)
	for _, d := range domains {
		for _, a := range p.table[d] {
			set.Add(d, a)
		}
	}
	return set, nil
}
