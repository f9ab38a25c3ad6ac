package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sqlpulse/sqlpulse/internal/analyzer"
	"github.com/sqlpulse/sqlpulse/internal/api"
	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/config"
	"github.com/sqlpulse/sqlpulse/internal/delta"
	"github.com/sqlpulse/sqlpulse/internal/notify"
	"github.com/sqlpulse/sqlpulse/internal/scheduler"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to sqlpulse.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	runOnce := flag.Bool("once", false, "run one scheduler pass and exit")
	force := flag.Bool("force", false, "with -once, run all enabled collectors regardless of schedule")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("sqlpulse %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp sqlpulse.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	// Configure logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting sqlpulse",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"target", cfg.Target.Name,
		"listen", cfg.Listen,
	)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Seed or reconcile the schedule registry before the first pass.
	if err := st.SeedSchedules(cfg.Schedules()); err != nil {
		slog.Error("seeding schedule registry", "error", err)
		os.Exit(1)
	}

	client, err := collector.NewClient(cfg.Target.Name, cfg.Target.DSN)
	if err != nil {
		slog.Error("opening target connection", "target", cfg.Target.Name, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		slog.Warn("target not reachable at startup, collectors will retry on schedule",
			"target", cfg.Target.Name, "error", err)
	}
	pingCancel()

	// Build notification providers
	var providers []notify.Provider
	for _, ncfg := range cfg.Notifications {
		switch ncfg.Type {
		case "ntfy":
			providers = append(providers, notify.NewNtfy(ncfg.URL, ncfg.Topic))
		case "webhook":
			providers = append(providers, notify.NewWebhook(ncfg.URL, ncfg.Method, ncfg.Headers))
		}
	}

	engine := delta.NewEngine(st.DB())
	collectors := []scheduler.Collector{
		collector.NewWaitStats(client, st, engine),
		collector.NewFileIO(client, st, engine),
		collector.NewPerfCounters(client, st, engine),
		collector.NewMemoryClerks(client, st),
		collector.NewHostCPU(st, engine),
		analyzer.New(st, providers, cfg.AnalyzerConfig()),
	}

	sched := scheduler.New(st, client, collectors)

	if *runOnce {
		attempted, failed, err := sched.RunDueCollectors(ctx, *force)
		if err != nil {
			slog.Error("scheduler pass failed", "error", err)
			os.Exit(1)
		}
		slog.Info("scheduler pass complete", "attempted", attempted, "failed", failed)
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(ctx) })

	pruner := store.NewPruner(st)
	g.Go(func() error { return pruner.Run(ctx) })

	server := api.NewServer(cfg.Listen, st)
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"collectors", len(collectors),
		"notifications", len(providers),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	slog.Info("sqlpulse stopped gracefully")
}
