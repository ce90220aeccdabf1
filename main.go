package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/config"
	"github.com/ghaccel/ghaccel/flow"
	ghhttp "github.com/ghaccel/ghaccel/http"
	"github.com/ghaccel/ghaccel/http/handler"
	"github.com/ghaccel/ghaccel/http/ws"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/lookup"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/scan"
	"github.com/ghaccel/ghaccel/sni"
	"github.com/ghaccel/ghaccel/socks5"
	"github.com/ghaccel/ghaccel/tunnel"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "ghaccel",
	Short: "GitHub accelerator",
	Long:  `ghaccel scans for the fastest reachable GitHub addresses and tunnels proxy traffic to them`,
	RunE:  run,
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, error, silent)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// components holds everything started by run, in start order.
type components struct {
	cancel  context.CancelFunc
	tunnel  *tunnel.Server
	socks5  *socks5.Server
	web     *http.Server
	hub     *ws.LogHub
	metrics *metrics.Collector
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("ghaccel version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	if cfg.ConfigPath != "" {
		if err := loadConfigFile(cmd, &cfg); err != nil {
			return err
		}
	}

	hub := ws.NewLogHub()
	if err := initLogging(&cfg, hub); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}
	printConfigDefaults(cmd)

	patterns, err := cfg.AcceleratePatterns()
	if err != nil {
		return err
	}
	matcher := sni.NewMatcher(patterns)
	log.Infof("Accelerating %d domain patterns", len(patterns))

	bogons, err := lookup.NewBogonFilter(cfg.Lookup.Bogons)
	if err != nil {
		return log.Errorf("invalid bogon ranges: %w", err)
	}
	source := lookup.NewUnion(bogons,
		lookup.NewStaticProvider(cfg.Lookup.Static),
		&lookup.DNSProvider{
			Servers: cfg.Lookup.DNS.Servers,
			Net:     cfg.Lookup.DNS.Net,
			Timeout: time.Duration(cfg.Lookup.DNS.TimeoutMs) * time.Millisecond,
			IPv6:    cfg.Lookup.DNS.IPv6,
			On:      cfg.Lookup.DNS.Enabled,
		},
		&lookup.MetaProvider{
			URL:         cfg.Lookup.Meta.URL,
			Domains:     cfg.Lookup.Meta.Domains,
			MaxPerRange: cfg.Lookup.Meta.MaxPerRange,
			Client:      &http.Client{Timeout: time.Duration(cfg.Lookup.Meta.TimeoutSec) * time.Second},
			On:          cfg.Lookup.Meta.Enabled,
		},
	)

	meter := flow.NewMeter()
	mc := metrics.NewCollector(meter)
	mc.RecordEvent("info", "ghaccel starting up")

	table := addrtable.New(cfg.StaleAfter())
	histories := scan.NewHistoryStore(cfg.Scan.HistorySize)
	stages := scan.DefaultStages(
		scan.NewLimiter(scan.DefaultLimit(cfg.Scan.ConcurrencyFactor)),
		&scan.Statistics{Observe: func(pc *scan.ProbeContext, _ time.Duration) { mc.RecordProbe(pc.Available) }},
		&scan.TCPProbe{Timeout: cfg.TCPTimeout()},
		&scan.HTTPSProbe{
			Timeout:        cfg.HTTPSTimeout(),
			ExpectedServer: cfg.Scan.ExpectedServer,
			VerifyFor:      cfg.Scan.VerifyServerFor,
		},
	)
	scanner := scan.NewScanner(scan.Options{
		Domains:    cfg.ScanDomains(),
		Interval:   cfg.ScanInterval(),
		Port:       cfg.Scan.Port,
		KeepRounds: cfg.Scan.KeepRounds,
	}, source, scan.Build(stages...), table, histories)
	scanner.OnRound = func(r scan.Round) {
		mc.RecordRound(metrics.RoundInfo{
			ID:         r.ID,
			At:         r.Started,
			Candidates: r.Candidates,
			Available:  r.Available,
			Updated:    r.Updated,
			Duration:   r.Duration,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &components{cancel: cancel, hub: hub, metrics: mc}
	go mc.Run(ctx)
	go scanner.Run(ctx)

	dialer := &tunnel.Dialer{
		Table:   table,
		Matcher: matcher,
		Timeout: cfg.DialTimeout(),
		Mark:    cfg.Tunnel.Mark,
	}
	c.tunnel = tunnel.NewServer(tunnel.Options{
		BindAddress:    cfg.Tunnel.BindAddress,
		HTTPPort:       cfg.Tunnel.HTTPPort,
		TLSPort:        cfg.Tunnel.TLSPort,
		SniffTimeout:   cfg.SniffTimeout(),
		MaxHeaderBytes: cfg.Tunnel.MaxHeaderBytes,
		MaxConnections: cfg.Tunnel.MaxConnections,
	}, dialer, meter, mc)
	if err := c.tunnel.Start(); err != nil {
		cancel()
		mc.RecordEvent("error", fmt.Sprintf("Failed to start tunnel listeners: %v", err))
		return log.Errorf("failed to start tunnel listeners: %w", err)
	}

	c.socks5 = socks5.NewServer(&cfg.System.Socks5, dialer.DialContext, meter, mc)
	if err := c.socks5.Start(); err != nil {
		mc.RecordEvent("error", fmt.Sprintf("Failed to start SOCKS5 server: %v", err))
		shutdown(c)
		return log.Errorf("failed to start SOCKS5 server: %w", err)
	}

	api := handler.NewAPIHandler(handler.Deps{
		Config:    &cfg,
		Table:     table,
		Histories: histories,
		Scanner:   scanner,
		Meter:     meter,
		Metrics:   mc,
		Version:   handler.VersionInfo{Version: Version, Commit: Commit, BuildDate: Date},
	})
	c.web, err = ghhttp.StartServer(&cfg, api, hub, mc)
	if err != nil {
		mc.RecordEvent("error", fmt.Sprintf("Failed to start web server: %v", err))
		shutdown(c)
		return log.Errorf("failed to start web server: %w", err)
	}

	log.Infof("ghaccel is running. Press Ctrl+C to stop")
	mc.RecordEvent("info", "ghaccel is fully operational")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Infof("Received signal: %v, shutting down gracefully", sig)
	mc.RecordEvent("info", fmt.Sprintf("Shutdown initiated by signal: %v", sig))
	return shutdown(c)
}

// loadConfigFile reads the config file and then re-applies every flag given
// on the command line, so flags win over the file.
func loadConfigFile(cmd *cobra.Command, c *config.Config) error {
	type override struct {
		flag  *pflag.Flag
		value string
		slice []string
	}
	var overrides []override
	cmd.Flags().Visit(func(f *pflag.Flag) {
		o := override{flag: f, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			o.slice = sv.GetSlice()
		}
		overrides = append(overrides, o)
	})

	if err := c.LoadFromFile(c.ConfigPath); err != nil {
		return err
	}

	for _, o := range overrides {
		var err error
		if sv, ok := o.flag.Value.(pflag.SliceValue); ok {
			err = sv.Replace(o.slice)
		} else {
			err = o.flag.Value.Set(o.value)
		}
		if err != nil {
			return fmt.Errorf("re-applying --%s: %w", o.flag.Name, err)
		}
	}
	if cmd.Flags().Changed("verbose") {
		c.ApplyLogLevel(verboseFlag)
	}
	return nil
}

func shutdown(c *components) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	shutdownErrors := make(chan error, 3)

	if c.web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Shutting down web server...")
			if err := c.web.Shutdown(shutdownCtx); err != nil {
				shutdownErrors <- fmt.Errorf("web shutdown: %w", err)
			} else {
				log.Infof("Web server stopped")
			}
		}()
	}

	if c.socks5 != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.socks5.Stop(shutdownCtx); err != nil {
				shutdownErrors <- fmt.Errorf("SOCKS5 shutdown: %w", err)
			} else {
				log.Infof("SOCKS5 server stopped")
			}
		}()
	}

	if c.tunnel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Stopping tunnel listeners...")
			if err := c.tunnel.Stop(shutdownCtx); err != nil {
				shutdownErrors <- fmt.Errorf("tunnel shutdown: %w", err)
			} else {
				log.Infof("Tunnel listeners stopped")
			}
		}()
	}

	c.cancel()

	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		close(shutdownErrors)
		var errs []error
		for err := range shutdownErrors {
			log.Errorf("  - %v", err)
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			c.metrics.RecordEvent("warning", fmt.Sprintf("shutdown with %d errors", len(errs)))
		} else {
			log.Infof("ghaccel stopped successfully")
		}

	case <-shutdownCtx.Done():
		log.Errorf("Shutdown timeout reached, forcing exit")
		log.Flush()
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}

	c.hub.Stop()
	log.CloseErrorFile()
	log.Flush()
	return nil
}

func initLogging(cfg *config.Config, hub *ws.LogHub) error {
	log.Init(os.Stderr, cfg.System.Logging.Level, cfg.System.Logging.Instaflush)
	log.AddSink(hub.Writer())

	if cfg.System.Logging.Syslog {
		if err := log.EnableSyslog("ghaccel"); err != nil {
			return log.Errorf("failed to enable syslog: %w", err)
		}
		log.Infof("Syslog enabled")
	}

	if cfg.System.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.System.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", cfg.System.Logging.ErrorFile)
		}
	}
	return nil
}

func printConfigDefaults(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	log.Infof("Effective CLI flags:")
	line := ""
	for _, f := range all {
		if line != "" {
			line += " "
		}
		line += fmt.Sprintf("--%s=%s", f.Name, f.Value.String())
	}
	log.Infof("  %s", line)
}
