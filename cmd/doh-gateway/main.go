package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doh-gateway/pkg/blocklist"
	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/doh"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/gateway"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/resolver"
	"doh-gateway/pkg/telemetry"
)

var (
	configPath      = flag.String("config", "config.yml", "Path to configuration file")
	fallbackOnly    = flag.Bool("fallback-only", false, "Never open the encrypted session; resolve through fallback servers")
	allowAllQueries = flag.Bool("allow-all-queries", false, "Forward every query type, not only A and AAAA")
	ipv6            = flag.Bool("ipv6", false, "Resolve AAAA queries")
	noFilter        = flag.Bool("nofilter", false, "Disable blocklists, patterns and rules")
	showVersion     = flag.Bool("version", false, "Print version and exit")
	version         = "dev"
	buildTime       = "unknown"
)

// applyFlags lets command line switches turn features on over the file.
func applyFlags(cfg *config.Config) {
	cfg.FallbackOnly = cfg.FallbackOnly || *fallbackOnly
	cfg.Filter.AllowAllQueries = cfg.Filter.AllowAllQueries || *allowAllQueries
	cfg.Filter.IPv6 = cfg.Filter.IPv6 || *ipv6
	cfg.Filter.NoFilter = cfg.Filter.NoFilter || *noFilter
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("doh-gateway %s (built %s)\n", version, buildTime)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "doh-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger := logging.NewDefault()
	watcher, err := config.NewWatcher(*configPath, bootLogger.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	cfg := watcher.Config()
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("DoH gateway starting",
		"version", version,
		"build_time", buildTime,
		"config", *configPath,
	)

	// Without a trust anchor no session can ever be verified.
	if !cfg.FallbackOnly {
		anchor, err := doh.LocateTrustAnchor(cfg.TLS.CertFile)
		if err != nil {
			return fmt.Errorf("cannot verify upstream %s: %w", cfg.Upstream.Host, err)
		}
		logger.Info("Using trust anchor", "path", anchor)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	bootstrap := resolver.New(cfg.BootstrapServers, logger.Component("resolver"),
		resolver.WithDialTimeout(cfg.Upstream.IOTimeout))

	blocklists := blocklist.NewManager(&cfg.Filter, logger.Component("blocklist"), metrics, bootstrap.NewHTTPClient(30*time.Second))
	if !cfg.Filter.NoFilter {
		if err := blocklists.Start(ctx); err != nil {
			logger.Error("Failed to load blocklists", "error", err)
		}
	}
	defer blocklists.Stop()

	policy, err := gateway.NewPolicy(cfg, blocklists, logger)
	if err != nil {
		return err
	}

	replyCache, err := cache.New(&cfg.Cache, logger.Component("cache"))
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer func() { _ = replyCache.Close() }()

	server, err := gateway.NewServer(cfg, gateway.Deps{
		Policy:    policy,
		Store:     replyCache,
		Dialer:    bootstrap,
		Forwarder: forwarder.New(logger.Component("forwarder"), cfg.Upstream.IOTimeout),
		Counters:  telemetry.NewCounters(metrics),
		Metrics:   metrics,
		Tracer:    telem.Tracer(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Listener and upstream changes need a restart. Filters and the log level apply live.
	watcher.OnChange(func(next *config.Config) {
		applyFlags(next)
		logger.SetLevel(next.Logging.Level)
		if err := policy.Reload(ctx, next); err != nil {
			logger.Error("Configuration reload rejected", "error", err)
		}
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Config watcher failed", "error", err)
		}
	}()
	go reloadOnHangup(ctx, watcher, logger)

	err = server.Start(ctx)
	if errors.Is(err, doh.ErrNoTrustAnchor) {
		return fmt.Errorf("cannot verify upstream %s: %w", cfg.Upstream.Host, err)
	}
	if err != nil {
		return err
	}
	logger.Info("DoH gateway stopped")
	return nil
}

func reloadOnHangup(ctx context.Context, watcher *config.Watcher, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := watcher.Reload(); err != nil {
				logger.Error("Config reload rejected, keeping previous", "error", err)
				continue
			}
			logger.Info("Config reloaded on SIGHUP")
		}
	}
}
