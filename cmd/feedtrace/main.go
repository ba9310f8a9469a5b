package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"feedtrace/internal/browser"
	"feedtrace/internal/config"
	"feedtrace/internal/core"
	"feedtrace/internal/logging"
	"feedtrace/internal/progress"
	"feedtrace/internal/runner"
	"feedtrace/internal/store"
)

const (
	ExitSuccess       = 0
	ExitSessionFailed = 1
	ExitError         = 2
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (required)")
	output := flag.String("output", "text", "output format: text, json")
	outputDir := flag.String("output-dir", "", "record output directory (overrides config)")
	quiet := flag.Bool("quiet", false, "suppress progress output during the run")
	verbose := flag.Bool("verbose", false, "enable debug output")
	headless := flag.Bool("headless", false, "run browsers headless (overrides config)")
	stagger := flag.Duration("stagger", 0, "delay between session starts (overrides config)")
	seed := flag.Int64("seed", 0, "random seed for behavioral profiles (overrides config)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		flag.Usage()
		os.Exit(ExitError)
	}

	if *output != "text" && *output != "json" {
		fmt.Fprintf(os.Stderr, "error: --output must be 'text' or 'json', got %q\n", *output)
		os.Exit(ExitError)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}

	// CLI flags override config file values.
	if *headless {
		cfg.Settings.Headless = true
	}
	if *stagger > 0 {
		cfg.Settings.StaggerDelay = config.Duration(*stagger)
	}
	if *seed != 0 {
		cfg.Settings.Seed = *seed
	}
	if *outputDir != "" {
		cfg.Settings.OutputDir = *outputDir
	}

	log, err := logging.New(*verbose, *quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}
	// os.Exit skips deferred calls, so every exit below goes through here.
	exit := func(code int) {
		_ = log.Sync()
		os.Exit(code)
	}

	st, err := store.Open(cfg.Settings.OutputDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		exit(ExitError)
	}

	coord := runner.New(runner.Options{
		Config: cfg,
		Store:  st,
		Logger: log,
		Drivers: func(ctx context.Context, env runner.SessionEnv) (core.Driver, error) {
			opts := browser.Options{
				Headless:    cfg.Settings.Headless,
				Interceptor: env.Interceptor,
				Logger:      log,
			}
			if env.User.Settings.UseProxy {
				opts.Proxy = env.Proxy
			}
			if env.User.Settings.ReuseCookies {
				opts.UserDataDir = filepath.Join(cfg.Settings.OutputDir,
					"profiles", env.Scenario, env.UserID)
			}
			return browser.New(ctx, opts)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var interrupted atomic.Bool
	go func() {
		<-sigCh
		interrupted.Store(true)
		if !*quiet {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		}
		cancel()
	}()

	prog := progress.NewProgress(coord.Manifest(), *quiet)
	prog.Printf("Feedtrace starting: %d sessions, stagger %v, output %s",
		len(cfg.Runs), time.Duration(cfg.Settings.StaggerDelay), cfg.Settings.OutputDir)
	prog.Start()

	summary, err := coord.Run(ctx)
	prog.Stop()
	if err != nil {
		log.Error("run failed", zap.Error(err))
	}

	if *output == "json" {
		runner.FormatJSON(os.Stdout, summary)
	} else {
		runner.FormatText(os.Stdout, summary)
	}

	if interrupted.Load() {
		exit(ExitSuccess)
	}
	if err != nil {
		exit(ExitError)
	}
	if summary.Failed > 0 {
		if *output == "text" {
			fmt.Fprintf(os.Stderr, "\n%d session(s) failed\n", summary.Failed)
		}
		exit(ExitSessionFailed)
	}
	exit(ExitSuccess)
}
