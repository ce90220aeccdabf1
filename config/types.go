package config

import "github.com/ghaccel/ghaccel/log"

type Config struct {
	ConfigPath string `json:"-" yaml:"-"`

	Domains DomainsConfig `json:"domains" yaml:"domains"`
	Scan    ScanConfig    `json:"scan" yaml:"scan"`
	Lookup  LookupConfig  `json:"lookup" yaml:"lookup"`
	Tunnel  TunnelConfig  `json:"tunnel" yaml:"tunnel"`
	System  SystemConfig  `json:"system" yaml:"system"`
}

// DomainsConfig describes which hosts are accelerated and which of them are
// actively scanned. Patterns accept a bare domain (matches itself and every
// subdomain), "*.domain" (subdomains only), "full:domain", "keyword:text" and
// "regexp:expr".
type DomainsConfig struct {
	Accelerate        []string `json:"accelerate" yaml:"accelerate"`
	Scan              []string `json:"scan" yaml:"scan"`
	GeoSitePath       string   `json:"geosite_path" yaml:"geosite_path"`
	GeoSiteCategories []string `json:"geosite_categories" yaml:"geosite_categories"`
}

type ScanConfig struct {
	IntervalSec       int      `json:"interval_sec" yaml:"interval_sec"`
	Port              int      `json:"port" yaml:"port"`
	TCPTimeoutMs      int      `json:"tcp_timeout_ms" yaml:"tcp_timeout_ms"`
	HTTPSTimeoutMs    int      `json:"https_timeout_ms" yaml:"https_timeout_ms"`
	ConcurrencyFactor int      `json:"concurrency_factor" yaml:"concurrency_factor"`
	StaleAfterSec     int      `json:"stale_after_sec" yaml:"stale_after_sec"`
	HistorySize       int      `json:"history_size" yaml:"history_size"`
	ExpectedServer    string   `json:"expected_server" yaml:"expected_server"`
	VerifyServerFor   []string `json:"verify_server_for" yaml:"verify_server_for"`
	KeepRounds        int      `json:"keep_rounds" yaml:"keep_rounds"`
}

type LookupConfig struct {
	Static map[string][]string `json:"static" yaml:"static"`
	DNS    DNSLookupConfig     `json:"dns" yaml:"dns"`
	Meta   MetaLookupConfig    `json:"meta" yaml:"meta"`
	Bogons []string            `json:"bogons" yaml:"bogons"`
}

type DNSLookupConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Servers   []string `json:"servers" yaml:"servers"`
	Net       string   `json:"net" yaml:"net"` // "udp" or "tcp"
	TimeoutMs int      `json:"timeout_ms" yaml:"timeout_ms"`
	IPv6      bool     `json:"ipv6" yaml:"ipv6"`
}

type MetaLookupConfig struct {
	Enabled     bool                `json:"enabled" yaml:"enabled"`
	URL         string              `json:"url" yaml:"url"`
	TimeoutSec  int                 `json:"timeout_sec" yaml:"timeout_sec"`
	Domains     map[string][]string `json:"domains" yaml:"domains"` // domain -> meta document keys
	MaxPerRange int                 `json:"max_per_range" yaml:"max_per_range"`
}

type TunnelConfig struct {
	BindAddress    string `json:"bind_address" yaml:"bind_address"`
	HTTPPort       int    `json:"http_port" yaml:"http_port"`
	TLSPort        int    `json:"tls_port" yaml:"tls_port"`
	DialTimeoutSec int    `json:"dial_timeout_sec" yaml:"dial_timeout_sec"`
	SniffTimeoutMs int    `json:"sniff_timeout_ms" yaml:"sniff_timeout_ms"`
	MaxHeaderBytes int    `json:"max_header_bytes" yaml:"max_header_bytes"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	Mark           int    `json:"mark" yaml:"mark"` // SO_MARK on upstream sockets, 0 = none
}

type SystemConfig struct {
	Logging   Logging         `json:"logging" yaml:"logging"`
	WebServer WebServerConfig `json:"web_server" yaml:"web_server"`
	Socks5    Socks5Config    `json:"socks5" yaml:"socks5"`
}

type Logging struct {
	Level      log.Level `json:"level" yaml:"level"`
	Instaflush bool      `json:"instaflush" yaml:"instaflush"`
	Syslog     bool      `json:"syslog" yaml:"syslog"`
	ErrorFile  string    `json:"error_file" yaml:"error_file"`
}

type WebServerConfig struct {
	Port        int    `json:"port" yaml:"port"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
	IsEnabled   bool   `json:"-" yaml:"-"`
}

type Socks5Config struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Port        int    `json:"port" yaml:"port"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
}
