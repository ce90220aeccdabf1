package config

import "github.com/spf13/cobra"

func (c *Config) BindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to config file (.json, .yaml or .yml)")

	// Domains
	cmd.Flags().StringSliceVar(&c.Domains.Accelerate, "accelerate", c.Domains.Accelerate, "Accelerated domain patterns (domain, *.domain, full:, keyword:, regexp:)")
	cmd.Flags().StringSliceVar(&c.Domains.Scan, "scan-domains", c.Domains.Scan, "Domains probed every scan round")
	cmd.Flags().StringVar(&c.Domains.GeoSitePath, "geosite", c.Domains.GeoSitePath, "Path to geosite file (e.g., geosite.dat)")
	cmd.Flags().StringSliceVar(&c.Domains.GeoSiteCategories, "geosite-categories", c.Domains.GeoSiteCategories, "Geosite categories to accelerate (e.g., github)")

	// Scan
	cmd.Flags().IntVar(&c.Scan.IntervalSec, "scan-interval", c.Scan.IntervalSec, "Seconds between scan rounds")
	cmd.Flags().IntVar(&c.Scan.TCPTimeoutMs, "tcp-timeout", c.Scan.TCPTimeoutMs, "TCP probe timeout in ms")
	cmd.Flags().IntVar(&c.Scan.HTTPSTimeoutMs, "https-timeout", c.Scan.HTTPSTimeoutMs, "HTTPS probe timeout in ms")
	cmd.Flags().IntVar(&c.Scan.ConcurrencyFactor, "concurrency", c.Scan.ConcurrencyFactor, "Concurrent probes per CPU")
	cmd.Flags().IntVar(&c.Scan.StaleAfterSec, "stale-after", c.Scan.StaleAfterSec, "Seconds after which a table entry may be replaced by a slower address (0 never)")
	cmd.Flags().IntVar(&c.Scan.HistorySize, "history-size", c.Scan.HistorySize, "Probe samples kept per domain and address")

	// Lookup
	cmd.Flags().BoolVar(&c.Lookup.DNS.Enabled, "dns", c.Lookup.DNS.Enabled, "Resolve candidates through public DNS servers")
	cmd.Flags().StringSliceVar(&c.Lookup.DNS.Servers, "dns-servers", c.Lookup.DNS.Servers, "Public DNS servers (ip:port)")
	cmd.Flags().StringVar(&c.Lookup.DNS.Net, "dns-net", c.Lookup.DNS.Net, "DNS transport (udp|tcp)")
	cmd.Flags().BoolVar(&c.Lookup.DNS.IPv6, "ipv6", c.Lookup.DNS.IPv6, "Also query AAAA records")
	cmd.Flags().BoolVar(&c.Lookup.Meta.Enabled, "meta", c.Lookup.Meta.Enabled, "Use the GitHub meta document as a candidate source")
	cmd.Flags().StringVar(&c.Lookup.Meta.URL, "meta-url", c.Lookup.Meta.URL, "GitHub meta document URL")

	// Tunnel
	cmd.Flags().StringVar(&c.Tunnel.BindAddress, "bind", c.Tunnel.BindAddress, "Listen address for proxy listeners")
	cmd.Flags().IntVar(&c.Tunnel.HTTPPort, "http-port", c.Tunnel.HTTPPort, "HTTP proxy port (CONNECT, plain proxy, PAC; 0 disables)")
	cmd.Flags().IntVar(&c.Tunnel.TLSPort, "tls-port", c.Tunnel.TLSPort, "Raw TLS port routed by SNI (0 disables)")
	cmd.Flags().IntVar(&c.Tunnel.Mark, "mark", c.Tunnel.Mark, "Firewall mark for upstream sockets (linux, 0 disables)")
	cmd.Flags().IntVar(&c.Tunnel.DialTimeoutSec, "dial-timeout", c.Tunnel.DialTimeoutSec, "Per-candidate upstream connect timeout in seconds")
	cmd.Flags().IntVar(&c.Tunnel.MaxConnections, "max-connections", c.Tunnel.MaxConnections, "Maximum concurrent client connections (0 uses the default)")

	// System
	cmd.Flags().BoolVarP(&c.System.Logging.Instaflush, "instaflush", "i", c.System.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.System.Logging.Syslog, "syslog", c.System.Logging.Syslog, "Enable syslog output")
	cmd.Flags().StringVar(&c.System.Logging.ErrorFile, "error-file", c.System.Logging.ErrorFile, "Also write errors to this file")
	cmd.Flags().IntVar(&c.System.WebServer.Port, "web-port", c.System.WebServer.Port, "Port for internal web server (0 disables)")
	cmd.Flags().BoolVar(&c.System.Socks5.Enabled, "socks5", c.System.Socks5.Enabled, "Enable SOCKS5 front-end")
	cmd.Flags().IntVar(&c.System.Socks5.Port, "socks5-port", c.System.Socks5.Port, "SOCKS5 listen port")
}
