package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ghaccel/ghaccel/geodat"
	"github.com/ghaccel/ghaccel/log"
	"gopkg.in/yaml.v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) SaveToFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	c.ConfigPath = path
	return nil
}

func (c *Config) ApplyLogLevel(level string) {
	l, ok := log.ParseLevel(level)
	if !ok {
		log.Warnf("unknown log level %q, using info", level)
	}
	c.System.Logging.Level = l
}

func (c *Config) Validate() error {
	c.System.WebServer.IsEnabled = c.System.WebServer.Port > 0 && c.System.WebServer.Port <= 65535

	if len(c.Domains.Accelerate) == 0 && len(c.Domains.GeoSiteCategories) == 0 {
		return fmt.Errorf("at least one accelerated domain is required")
	}
	if len(c.Domains.GeoSiteCategories) > 0 && c.Domains.GeoSitePath == "" {
		return fmt.Errorf("--geosite must be specified when using --geosite-categories")
	}

	if err := validPort("scan port", c.Scan.Port, false); err != nil {
		return err
	}
	if err := validPort("http port", c.Tunnel.HTTPPort, true); err != nil {
		return err
	}
	if err := validPort("tls port", c.Tunnel.TLSPort, true); err != nil {
		return err
	}
	if c.Tunnel.HTTPPort == 0 && c.Tunnel.TLSPort == 0 {
		return fmt.Errorf("at least one of http port and tls port must be set")
	}
	if c.System.Socks5.Enabled {
		if err := validPort("socks5 port", c.System.Socks5.Port, false); err != nil {
			return err
		}
	}

	if c.Scan.IntervalSec < 1 {
		return fmt.Errorf("scan interval must be at least 1 second")
	}
	if c.Scan.TCPTimeoutMs < 1 || c.Scan.HTTPSTimeoutMs < 1 {
		return fmt.Errorf("probe timeouts must be positive")
	}
	if c.Scan.ConcurrencyFactor < 1 {
		return fmt.Errorf("concurrency factor must be at least 1")
	}
	if c.Scan.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1")
	}
	if c.Scan.StaleAfterSec < 0 {
		return fmt.Errorf("stale-after must not be negative")
	}
	if c.Tunnel.DialTimeoutSec < 1 {
		return fmt.Errorf("dial timeout must be at least 1 second")
	}
	if c.Tunnel.MaxHeaderBytes < 64 {
		return fmt.Errorf("max header bytes must be at least 64")
	}

	switch c.Lookup.DNS.Net {
	case "":
		c.Lookup.DNS.Net = "tcp"
	case "udp", "tcp":
	default:
		return fmt.Errorf("dns net must be udp or tcp, got %q", c.Lookup.DNS.Net)
	}
	for i, s := range c.Lookup.DNS.Servers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			addr, perr := netip.ParseAddr(s)
			if perr != nil {
				return fmt.Errorf("invalid dns server %q", s)
			}
			c.Lookup.DNS.Servers[i] = netip.AddrPortFrom(addr, 53).String()
		}
	}
	for _, b := range c.Lookup.Bogons {
		if _, err := netip.ParsePrefix(b); err != nil {
			return fmt.Errorf("invalid bogon range %q: %w", b, err)
		}
	}
	return nil
}

func validPort(name string, port int, zeroOK bool) error {
	if port == 0 && zeroOK {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", name)
	}
	return nil
}

// AcceleratePatterns returns the configured patterns plus those loaded from
// the geosite categories.
func (c *Config) AcceleratePatterns() ([]string, error) {
	patterns := slices.Clone(c.Domains.Accelerate)
	if len(c.Domains.GeoSiteCategories) > 0 && c.Domains.GeoSitePath != "" {
		geo, err := geodat.LoadDomainsFromCategories(c.Domains.GeoSitePath, c.Domains.GeoSiteCategories)
		if err != nil {
			return nil, fmt.Errorf("failed to load geosite domains: %w", err)
		}
		patterns = append(patterns, geo...)
	}
	return patterns, nil
}

// ScanDomains returns the concrete domains probed every round: the explicit
// scan list followed by every accelerated pattern that names a single host.
func (c *Config) ScanDomains() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(d string) {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d == "" {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, d := range c.Domains.Scan {
		add(d)
	}
	for _, p := range c.Domains.Accelerate {
		switch {
		case strings.HasPrefix(p, "full:"):
			add(strings.TrimPrefix(p, "full:"))
		case strings.Contains(p, ":"), strings.HasPrefix(p, "*."):
		default:
			add(p)
		}
	}
	return out
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalSec) * time.Second
}

func (c *Config) TCPTimeout() time.Duration {
	return time.Duration(c.Scan.TCPTimeoutMs) * time.Millisecond
}

func (c *Config) HTTPSTimeout() time.Duration {
	return time.Duration(c.Scan.HTTPSTimeoutMs) * time.Millisecond
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Scan.StaleAfterSec) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Tunnel.DialTimeoutSec) * time.Second
}

func (c *Config) SniffTimeout() time.Duration {
	return time.Duration(c.Tunnel.SniffTimeoutMs) * time.Millisecond
}
