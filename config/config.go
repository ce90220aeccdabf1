package config

import (
	"maps"
	"slices"

	"github.com/ghaccel/ghaccel/log"
)

var defaultAccelerate = []string{
	"github.com",
	"githubusercontent.com",
	"githubassets.com",
	"github.io",
	"githubapp.com",
}

var defaultScanDomains = []string{
	"github.com",
	"api.github.com",
	"gist.github.com",
	"codeload.github.com",
	"github.githubassets.com",
	"raw.githubusercontent.com",
	"avatars.githubusercontent.com",
	"objects.githubusercontent.com",
}

var defaultDNSServers = []string{
	"8.8.8.8:53",
	"1.1.1.1:53",
	"9.9.9.9:53",
	"208.67.222.222:443",
}

var defaultBogons = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var defaultMetaDomains = map[string][]string{
	"github.com":      {"web"},
	"gist.github.com": {"web"},
	"api.github.com":  {"api"},
}

var DefaultConfig = Config{
	Domains: DomainsConfig{
		Accelerate: defaultAccelerate,
		Scan:       defaultScanDomains,
	},
	Scan: ScanConfig{
		IntervalSec:       300,
		Port:              443,
		TCPTimeoutMs:      1000,
		HTTPSTimeoutMs:    5000,
		ConcurrencyFactor: 4,
		StaleAfterSec:     1800,
		HistorySize:       32,
		ExpectedServer:    "GitHub.com",
		VerifyServerFor:   []string{"github.com"},
		KeepRounds:        16,
	},
	Lookup: LookupConfig{
		Static: map[string][]string{},
		DNS: DNSLookupConfig{
			Enabled:   true,
			Servers:   defaultDNSServers,
			Net:       "tcp",
			TimeoutMs: 3000,
		},
		Meta: MetaLookupConfig{
			Enabled:     true,
			URL:         "https://api.github.com/meta",
			TimeoutSec:  10,
			Domains:     defaultMetaDomains,
			MaxPerRange: 4,
		},
		Bogons: defaultBogons,
	},
	Tunnel: TunnelConfig{
		BindAddress:    "127.0.0.1",
		HTTPPort:       38457,
		TLSPort:        0,
		DialTimeoutSec: 10,
		SniffTimeoutMs: 10000,
		MaxHeaderBytes: 16 * 1024,
		MaxConnections: 1024,
	},
	System: SystemConfig{
		Logging: Logging{
			Level:      log.LevelInfo,
			Instaflush: true,
		},
		WebServer: WebServerConfig{
			Port:        7000,
			BindAddress: "127.0.0.1",
		},
		Socks5: Socks5Config{
			Port:        38458,
			BindAddress: "127.0.0.1",
		},
	},
}

// NewConfig returns a copy of DefaultConfig that shares no slices or maps
// with it.
func NewConfig() Config {
	c := DefaultConfig
	c.Domains.Accelerate = slices.Clone(c.Domains.Accelerate)
	c.Domains.Scan = slices.Clone(c.Domains.Scan)
	c.Domains.GeoSiteCategories = slices.Clone(c.Domains.GeoSiteCategories)
	c.Scan.VerifyServerFor = slices.Clone(c.Scan.VerifyServerFor)
	c.Lookup.DNS.Servers = slices.Clone(c.Lookup.DNS.Servers)
	c.Lookup.Bogons = slices.Clone(c.Lookup.Bogons)
	c.Lookup.Static = cloneListMap(c.Lookup.Static)
	c.Lookup.Meta.Domains = cloneListMap(c.Lookup.Meta.Domains)
	return c
}

func cloneListMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range maps.All(m) {
		out[k] = slices.Clone(v)
	}
	return out
}
