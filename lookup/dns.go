package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSProvider asks public resolvers directly. TCP is the default transport
// because forged UDP answers usually arrive before the real one.
type DNSProvider struct {
	Servers []string
	Net     string
	Timeout time.Duration
	IPv6    bool
	On      bool
}

func (p *DNSProvider) Name() string  { return "dns" }
func (p *DNSProvider) Priority() int { return 1 }
func (p *DNSProvider) Enabled() bool { return p.On && len(p.Servers) > 0 }

func (p *DNSProvider) Lookup(ctx context.Context, domains []string) (CandidateSet, error) {
	qtypes := []uint16{dns.TypeA}
	if p.IPv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		set     = make(CandidateSet)
		errs    []error
		answers int
	)
	for _, domain := range domains {
		for _, server := range p.Servers {
			for _, qt := range qtypes {
				wg.Add(1)
				go func() {
					defer wg.Done()
					addrs, err := p.query(ctx, server, domain, qt)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, fmt.Errorf("%s via %s: %w", domain, server, err))
						return
					}
					answers++
					for _, a := range addrs {
						set.Add(domain, a)
					}
				}()
			}
		}
	}
	wg.Wait()

	if answers == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

func (p *DNSProvider) query(ctx context.Context, server, domain string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	c := &dns.Client{Net: p.Net, Timeout: p.Timeout}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[r.Rcode])
	}

	var out []netip.Addr
	for _, rr := range r.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(v.A); ok {
				out = append(out, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(v.AAAA); ok {
				out = append(out, a)
			}
		}
	}
	return out, nil
}
