package sni

import (
	"container/list"
	"net/netip"
	"regexp"
	"strings"
	"sync"

	"github.com/ghaccel/ghaccel/log"
	"golang.org/x/net/publicsuffix"
)

const defaultCacheLimit = 2000

// Matcher decides whether a host name belongs to the accelerated set.
//
// Pattern forms:
//
//	github.com           github.com and every subdomain
//	*.github.com         subdomains of github.com only
//	full:github.com      exactly github.com
//	keyword:github       any host containing "github"
//	regexp:^gh\d+\.io$   any host matching the expression
type Matcher struct {
	suffixes map[string]struct{}
	wildcard map[string]struct{}
	full     map[string]struct{}
	keywords []string
	regexes  []*regexp.Regexp
	patterns []string

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List
	limit int
}

type cached struct {
	host    string
	matched bool
}

func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{
		suffixes: make(map[string]struct{}),
		wildcard: make(map[string]struct{}),
		full:     make(map[string]struct{}),
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
		limit:    defaultCacheLimit,
	}
	seen := make(map[string]struct{})
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		switch {
		case strings.HasPrefix(p, "regexp:"):
			re, err := regexp.Compile(strings.TrimPrefix(p, "regexp:"))
			if err != nil {
				log.Warnf("ignoring invalid pattern %q: %v", p, err)
				continue
			}
			m.regexes = append(m.regexes, re)
		case strings.HasPrefix(p, "keyword:"):
			m.keywords = append(m.keywords, strings.ToLower(strings.TrimPrefix(p, "keyword:")))
		case strings.HasPrefix(p, "full:"):
			m.full[normalize(strings.TrimPrefix(p, "full:"))] = struct{}{}
		case strings.HasPrefix(p, "*."):
			m.wildcard[normalize(p[2:])] = struct{}{}
		default:
			m.suffixes[normalize(p)] = struct{}{}
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Patterns returns the accepted patterns in input order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// IsAccelerated reports whether host (optionally with a port) is covered by
// any pattern. IP literals never match.
func (m *Matcher) IsAccelerated(host string) bool {
	if m == nil {
		return false
	}
	host = normalize(StripPort(host))
	if host == "" {
		return false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}

	m.mu.Lock()
	if el, ok := m.cache[host]; ok {
		m.lru.MoveToFront(el)
		matched := el.Value.(*cached).matched
		m.mu.Unlock()
		return matched
	}
	m.mu.Unlock()

	matched := m.match(host)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[host]; !ok {
		if len(m.cache) >= m.limit {
			if oldest := m.lru.Back(); oldest != nil {
				delete(m.cache, oldest.Value.(*cached).host)
				m.lru.Remove(oldest)
			}
		}
		m.cache[host] = m.lru.PushFront(&cached{host: host, matched: matched})
	}
	return matched
}

func (m *Matcher) match(host string) bool {
	if _, ok := m.full[host]; ok {
		return true
	}
	if _, ok := m.suffixes[host]; ok {
		return true
	}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		if _, ok := m.suffixes[rest]; ok {
			return true
		}
		if _, ok := m.wildcard[rest]; ok {
			return true
		}
	}
	for _, k := range m.keywords {
		if strings.Contains(host, k) {
			return true
		}
	}
	for _, re := range m.regexes {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// OwnedBy reports whether host's registrable domain is one of owners, e.g.
// api.github.com is owned by github.com.
func OwnedBy(host string, owners []string) bool {
	host = normalize(StripPort(host))
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	for _, o := range owners {
		if strings.EqualFold(etld1, o) {
			return true
		}
	}
	return false
}

// StripPort removes a trailing :port and IPv6 brackets if present.
func StripPort(hostport string) string {
	if strings.HasPrefix(hostport, "[") {
		if i := strings.LastIndexByte(hostport, ']'); i > 0 {
			return hostport[1:i]
		}
		return hostport
	}
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && strings.IndexByte(hostport, ':') == i {
		return hostport[:i]
	}
	return hostport
}

func normalize(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}
