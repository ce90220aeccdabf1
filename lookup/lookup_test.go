package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeProvider struct {
	name  string
	prio  int
	set   CandidateSet
	err   error
	panic bool
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Priority() int { return f.prio }
func (f *fakeProvider) Enabled() bool { return true }
func (f *fakeProvider) Lookup(context.Context, []string) (CandidateSet, error) {
	if f.panic {
		panic("boom")
	}
	return f.set, f.err
}

func setOf(domain string, addrs ...string) CandidateSet {
	s := make(CandidateSet)
	for _, a := range addrs {
		s.Add(domain, netip.MustParseAddr(a))
	}
	return s
}

func TestUnionMergesAndSurvivesFailures(t *testing.T) {
	bogons, err := NewBogonFilter([]string{"127.0.0.0/8", "10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewBogonFilter: %v", err)
	}
	u := NewUnion(bogons,
		&fakeProvider{name: "b", prio: 2, set: setOf("github.com", "140.82.112.3", "127.0.0.1")},
		&fakeProvider{name: "a", prio: 1, set: setOf("github.com", "140.82.112.3", "140.82.112.4")},
		&fakeProvider{name: "err", prio: 3, err: errors.New("unreachable")},
		&fakeProvider{name: "panic", prio: 4, panic: true},
	)

	got, err := u.Lookup(context.Background(), []string{"github.com"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []Candidate{
		{"github.com", netip.MustParseAddr("140.82.112.3")},
		{"github.com", netip.MustParseAddr("140.82.112.4")},
	}
	if !slices.Equal(got.Slice(), want) {
		t.Errorf("candidates = %v, want %v", got.Slice(), want)
	}

	var names []string
	for _, p := range u.Providers() {
		names = append(names, p.Name())
	}
	if !slices.Equal(names, []string{"a", "b", "err", "panic"}) {
		t.Errorf("provider order = %v", names)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string][]string{
		"GitHub.com.": {"140.82.112.3", "not-an-ip"},
	})
	if !p.Enabled() {
		t.Fatal("provider with entries should be enabled")
	}
	set, _ := p.Lookup(context.Background(), []string{"github.com", "api.github.com"})
	if len(set) != 1 {
		t.Errorf("set = %v", set.Slice())
	}
	if !slices.Equal(set.Slice(), []Candidate{{"github.com", netip.MustParseAddr("140.82.112.3")}}) {
		t.Errorf("set = %v", set.Slice())
	}
	if NewStaticProvider(nil).Enabled() {
		t.Error("empty provider should be disabled")
	}
}

func TestBogonFilter(t *testing.T) {
	f, err := NewBogonFilter([]string{"127.0.0.0/8", "fc00::/7"})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"140.82.112.3":     true,
		"127.0.0.1":        false,
		"::ffff:127.0.0.1": false,
		"fd00::1":          false,
		"2606:50c0::153":   true,
		"0.0.0.0":          false,
	}
	for in, want := range tests {
		if got := f.Allow(netip.MustParseAddr(in)); got != want {
			t.Errorf("Allow(%s) = %v, want %v", in, got, want)
		}
	}
	if _, err := NewBogonFilter([]string{"nope"}); err == nil {
		t.Error("expected error for bad cidr")
	}
}

func TestMetaProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{
			"verifiable_password_authentication": true,
			"web": ["140.82.112.0/20", "2a0a:a440::/29"],
			"api": ["192.30.255.112/30"],
			"domains": {"website": ["*.github.com"]}
		}`)
	}))
	defer srv.Close()

	p := &MetaProvider{
		URL:         srv.URL,
		Domains:     map[string][]string{"github.com": {"web"}, "api.github.com": {"api"}},
		MaxPerRange: 2,
		Client:      srv.Client(),
		On:          true,
	}
	set, err := p.Lookup(context.Background(), []string{"github.com", "api.github.com", "gist.github.com"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []Candidate{
		{"api.github.com", netip.MustParseAddr("192.30.255.113")},
		{"api.github.com", netip.MustParseAddr("192.30.255.114")},
		{"github.com", netip.MustParseAddr("140.82.112.1")},
		{"github.com", netip.MustParseAddr("140.82.112.2")},
	}
	if !slices.Equal(set.Slice(), want) {
		t.Errorf("set = %v, want %v", set.Slice(), want)
	}

	if _, err := p.Lookup(context.Background(), []string{"github.com"}); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("meta document fetched %d times, want 1", hits.Load())
	}
}

func TestMetaProviderBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	p := &MetaProvider{URL: srv.URL, Domains: map[string][]string{"github.com": {"web"}}, MaxPerRange: 1, On: true}
	if _, err := p.Lookup(context.Background(), []string{"github.com"}); err == nil {
		t.Error("expected error")
	}
}

func TestHosts(t *testing.T) {
	tests := []struct {
		pfx  string
		n    int
		want []string
	}{
		{"10.0.0.0/30", 5, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}},
		{"10.0.0.0/24", 2, []string{"10.0.0.1", "10.0.0.2"}},
		{"10.0.0.7/32", 3, []string{"10.0.0.7"}},
		{"2001:db8::/64", 3, nil},
	}
	for _, tt := range tests {
		var got []string
		for _, a := range hosts(netip.MustParsePrefix(tt.pfx), tt.n) {
			got = append(got, a.String())
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("hosts(%s, %d) = %v, want %v", tt.pfx, tt.n, got, tt.want)
		}
	}
}

func startDNS(t *testing.T, answers map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		Listener:          ln,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			if ip, ok := answers[q.Name]; ok && q.Qtype == dns.TypeA {
				rr, _ := dns.NewRR(q.Name + " 60 IN A " + ip)
				m.Answer = append(m.Answer, rr)
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return ln.Addr().String()
}

func TestDNSProvider(t *testing.T) {
	addr := startDNS(t, map[string]string{"github.com.": "140.82.112.3"})
	p := &DNSProvider{Servers: []string{addr}, Net: "tcp", Timeout: 2 * time.Second, On: true}

	set, err := p.Lookup(context.Background(), []string{"github.com", "unknown.example"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []Candidate{{"github.com", netip.MustParseAddr("140.82.112.3")}}
	if !slices.Equal(set.Slice(), want) {
		t.Errorf("set = %v, want %v", set.Slice(), want)
	}
}

func TestDNSProviderAllServersDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := &DNSProvider{Servers: []string{addr}, Net: "tcp", Timeout: time.Second, On: true}
	if _, err := p.Lookup(context.Background(), []string{"github.com"}); err == nil {
		t.Error("expected error when no server answers")
	}
}
