package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"
)

const metaCacheTTL = time.Hour

// MetaProvider derives candidates from the address ranges GitHub publishes
// in its meta document. Only the first few host addresses of each IPv4 range
// are used.
type MetaProvider struct {
	URL         string
	Domains     map[string][]string // domain -> document keys such as "web"
	MaxPerRange int
	Client      *http.Client
	On          bool

	mu      sync.Mutex
	ranges  map[string][]netip.Prefix
	fetched time.Time
}

func (p *MetaProvider) Name() string  { return "meta" }
func (p *MetaProvider) Priority() int { return 2 }
func (p *MetaProvider) Enabled() bool { return p.On && p.URL != "" && len(p.Domains) > 0 }

func (p *MetaProvider) Lookup(ctx context.Context, domains []string) (CandidateSet, error) {
	ranges, err := p.document(ctx)
	if err != nil {
		return nil, err
	}
	set := make(CandidateSet)
	for _, d := range domains {
		for _, key := range p.Domains[d] {
			for _, pfx := range ranges[key] {
				for _, a := range hosts(pfx, p.MaxPerRange) {
					set.Add(d, a)
				}
			}
		}
	}
	return set, nil
}

func (p *MetaProvider) document(ctx context.Context) (map[string][]netip.Prefix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ranges != nil && time.Since(p.fetched) < metaCacheTTL {
		return p.ranges, nil
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch meta: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch meta: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	ranges, err := parseMeta(body)
	if err != nil {
		return nil, err
	}
	p.ranges, p.fetched = ranges, time.Now()
	return ranges, nil
}

// parseMeta keeps every top-level key whose value is a list of CIDR strings.
func parseMeta(body []byte) (map[string][]netip.Prefix, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	out := make(map[string][]netip.Prefix)
	for key, msg := range raw {
		var list []string
		if json.Unmarshal(msg, &list) != nil {
			continue
		}
		for _, s := range list {
			if pfx, err := netip.ParsePrefix(s); err == nil {
				out[key] = append(out[key], pfx.Masked())
			}
		}
	}
	return out, nil
}

// hosts returns up to n addresses after the network address of an IPv4
// prefix. IPv6 ranges are skipped.
func hosts(pfx netip.Prefix, n int) []netip.Addr {
	if !pfx.Addr().Is4() || n < 1 {
		return nil
	}
	if pfx.Bits() >= 31 {
		return []netip.Addr{pfx.Addr()}
	}
	var out []netip.Addr
	for a := pfx.Addr().Next(); len(out) < n && pfx.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	return out
}
