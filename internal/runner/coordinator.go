// Package runner orchestrates the whole run: it turns configured
// (scenario, user) pairs into staggered concurrent sessions and keeps the
// manifest of what happened to each.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"feedtrace/internal/config"
	"feedtrace/internal/core"
	"feedtrace/internal/intercept"
	"feedtrace/internal/logging"
	"feedtrace/internal/ratelimit"
	"feedtrace/internal/session"
	"feedtrace/internal/store"
)

// SessionEnv is everything a driver factory needs to build one session's
// browser: identity, behavior, and the interceptor its network events feed.
type SessionEnv struct {
	SessionID   string
	Scenario    string
	UserID      string
	User        config.User
	Proxy       core.NetworkIdentity
	Interceptor *intercept.Interceptor
	Headless    bool
}

// DriverFactory builds the driver for one session. The coordinator owns the
// returned driver's lifecycle through the session controller.
type DriverFactory func(ctx context.Context, env SessionEnv) (core.Driver, error)

// Options configure a coordinator.
type Options struct {
	Config  *config.Config
	Drivers DriverFactory
	Store   *store.Store
	Clock   core.Clock
	Logger  *zap.Logger
}

// Coordinator fans the configured run pairs out into session controllers,
// bounded by MaxConcurrency and paced by the stagger delay.
type Coordinator struct {
	opts     Options
	manifest *Manifest
	pacer    *ratelimit.Pacer
	wg       sync.WaitGroup
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		opts:     opts,
		manifest: NewManifest(),
		pacer:    ratelimit.NewPacer(opts.Config.Settings.StaggerDelay.Std()),
	}
}

// Manifest exposes the live session ledger for progress reporting.
func (c *Coordinator) Manifest() *Manifest { return c.manifest }

// Run executes every configured pair and blocks until all sessions finish or
// the context is cancelled. Returns the final summary; the error is non-nil
// only for run-level failures, not individual session failures.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	cfg := c.opts.Config

	if budget := cfg.Settings.WallClockBudget.Std(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	concurrency := cfg.Settings.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(cfg.Runs)
	}
	sem := make(chan struct{}, concurrency)
	seed := cfg.Settings.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	for n, pair := range cfg.Runs {
		sessionID := uuid.NewString()
		entry := c.manifest.Add(sessionID, pair.Scenario, pair.User)

		scenario, user, err := cfg.Lookup(pair)
		if err != nil {
			// Unknown pairs are skipped, not fatal: the rest of the run
			// proceeds.
			entry.finalize(StatusSkipped, err.Error(), session.Stats{})
			c.opts.Logger.Warn("skipping run pair", zap.Error(err))
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			entry.finalize(StatusSkipped, "run cancelled before start", session.Stats{})
			continue
		}

		// Stagger between session starts, first one immediate.
		if err := c.pacer.Wait(ctx); err != nil {
			<-sem
			entry.finalize(StatusSkipped, "run cancelled before start", session.Stats{})
			continue
		}

		c.wg.Add(1)
		go c.runSession(ctx, sem, entry, pair, scenario, user, seed+int64(n))
	}

	c.wg.Wait()

	summary := c.manifest.Snapshot()
	if c.opts.Store != nil {
		if err := c.opts.Store.SaveSummary(summary); err != nil {
			return summary, fmt.Errorf("persisting run summary: %w", err)
		}
	}
	return summary, nil
}

func (c *Coordinator) runSession(ctx context.Context, sem chan struct{}, entry *Entry, pair config.RunPair, scenario config.Scenario, user config.User, seed int64) {
	defer c.wg.Done()
	defer func() { <-sem }()
	defer c.recoverPanic(entry)

	log := logging.ForSession(c.opts.Logger, entry.sessionID, pair.Scenario, pair.User)

	interceptor := intercept.New(intercept.Options{
		SessionID:      entry.sessionID,
		UserID:         pair.User,
		TargetEndpoint: c.opts.Config.Settings.TargetEndpoint,
		Clock:          c.opts.Clock,
		Logger:         log,
	})

	env := SessionEnv{
		SessionID:   entry.sessionID,
		Scenario:    pair.Scenario,
		UserID:      pair.User,
		User:        user,
		Proxy:       scenario.Proxy.Identity(),
		Interceptor: interceptor,
		Headless:    c.opts.Config.Settings.Headless,
	}
	driver, err := c.opts.Drivers(ctx, env)
	if err != nil {
		entry.finalize(StatusFailed, fmt.Sprintf("driver: %v", err), session.Stats{})
		log.Error("driver construction failed", zap.Error(err))
		return
	}

	ctrl := session.New(session.Options{
		SessionID:   entry.sessionID,
		Scenario:    pair.Scenario,
		UserID:      pair.User,
		User:        user,
		Settings:    c.opts.Config.Settings,
		Driver:      driver,
		Interceptor: interceptor,
		Store:       c.opts.Store,
		Seed:        seed,
		Clock:       c.opts.Clock,
		Logger:      log,
	})
	entry.start(ctrl.Stats)

	log.Info("session starting")
	if err := ctrl.Run(ctx); err != nil {
		entry.finalize(StatusFailed, err.Error(), ctrl.Stats())
		return
	}
	entry.finalize(StatusCompleted, "", ctrl.Stats())
	log.Info("session finished",
		zap.Int("items", ctrl.Stats().Items),
		zap.Int("actions", ctrl.Stats().Actions))
}

// recoverPanic converts a panicking session into a failed manifest entry so
// one broken browser never takes the run down.
func (c *Coordinator) recoverPanic(entry *Entry) {
	if r := recover(); r != nil {
		entry.finalize(StatusFailed, fmt.Sprintf("panic: %v", r), session.Stats{})
		c.opts.Logger.Error("session panicked",
			zap.String("session_id", entry.sessionID),
			zap.Any("panic", r))
	}
}
