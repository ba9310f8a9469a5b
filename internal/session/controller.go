// Package session runs one simulated user session from authentication to
// teardown, driving the scheduler, the driver, and the interceptor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"feedtrace/internal/config"
	"feedtrace/internal/core"
	"feedtrace/internal/intercept"
	"feedtrace/internal/schedule"
	"feedtrace/internal/store"
)

// State is the controller's lifecycle phase. Transitions are linear with
// FAILED absorbing from any phase.
type State string

const (
	StateInit           State = "INIT"
	StateAuthenticating State = "AUTHENTICATING"
	StateBrowsing       State = "BROWSING"
	StateTerminating    State = "TERMINATING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

const pollInterval = 500 * time.Millisecond

// Options configure one session controller.
type Options struct {
	SessionID string // generated if empty
	Scenario  string
	UserID    string
	User      config.User
	Settings  config.RunSettings

	Driver      core.Driver
	Interceptor *intercept.Interceptor
	Store       *store.Store

	Seed   int64
	Clock  core.Clock
	Logger *zap.Logger

	// Sleep is replaced in tests so browsing loops run instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stats summarize what a finished session did.
type Stats struct {
	Items       int
	Actions     int
	Applied     int
	Failed      int
	Skipped     int
	Orphaned    int
	Ambiguous   int
	WatchTime   time.Duration
	CaptureGaps int
	Stalled     bool
}

// Controller owns one session. Create with New, run once with Run; the
// coordinator is the only other goroutine touching it, through State and
// Stats.
type Controller struct {
	opts      Options
	scheduler *schedule.Scheduler

	mu     sync.Mutex
	state  State
	stats  Stats
	actSeq uint64
}

// New wires a controller. The scheduler is seeded from the run seed and the
// session id so parallel sessions draw independent streams.
func New(opts Options) *Controller {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Controller{
		opts:      opts,
		scheduler: schedule.New(opts.User.Profile, opts.User.Settings, opts.Seed, opts.Clock),
		state:     StateInit,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the session's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.opts.Logger.Debug("session state", zap.String("state", string(s)))
}

// Run executes the session to completion. The returned error is the
// session-fatal cause, nil for a graceful finish (including a stall, which
// terminates browsing but still flushes everything captured so far).
func (c *Controller) Run(ctx context.Context) error {
	key := store.Key{Scenario: c.opts.Scenario, RunID: c.opts.SessionID, UserID: c.opts.UserID}

	// A panic in the driver unwinds through here before the coordinator
	// recovers it; capture still gets flushed and the browser released.
	tornDown := false
	defer func() {
		if tornDown {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.opts.Logger.Error("teardown panicked", zap.Any("cause", r))
			}
		}()
		c.teardown(ctx, key)
	}()

	if c.opts.Store != nil {
		snapshot := map[string]interface{}{
			"session_id": c.opts.SessionID,
			"scenario":   c.opts.Scenario,
			"user_id":    c.opts.UserID,
			"settings":   c.opts.User.Settings,
			"profile":    c.opts.User.Profile,
			"seed":       c.opts.Seed,
		}
		if err := c.opts.Store.SaveRunConfig(key, snapshot); err != nil {
			return c.fail(fmt.Errorf("persisting config snapshot: %w", err))
		}
	}

	if err := c.authenticate(ctx); err != nil {
		return c.fail(err)
	}

	browseErr := c.browse(ctx, key)

	c.setState(StateTerminating)
	c.teardown(ctx, key)
	tornDown = true

	switch {
	case browseErr == nil:
		c.setState(StateDone)
		return nil
	case errors.Is(browseErr, core.ErrStallTimeout):
		// Graceful: everything captured so far is already flushed.
		c.mu.Lock()
		c.stats.Stalled = true
		c.mu.Unlock()
		c.opts.Logger.Warn("session stalled, terminating gracefully")
		c.setState(StateDone)
		return nil
	default:
		return c.fail(browseErr)
	}
}

func (c *Controller) fail(err error) error {
	c.setState(StateFailed)
	c.opts.Logger.Error("session failed", zap.Error(err))
	return err
}

// authenticate logs in with bounded retries. Skipped entirely when the user
// runs anonymously.
func (c *Controller) authenticate(ctx context.Context) error {
	c.setState(StateAuthenticating)
	if !c.opts.User.Settings.UseLogin {
		c.opts.Logger.Debug("anonymous session, skipping login")
		return nil
	}

	creds := core.Credentials{Email: c.opts.User.Email, Password: c.opts.User.Password}
	retries := c.opts.Settings.AuthRetries
	if retries <= 0 {
		retries = config.DefaultAuthRetries
	}

	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		if err := c.opts.Driver.Authenticate(ctx, creds); err != nil {
			c.opts.Logger.Warn("login attempt failed",
				zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return &core.AuthError{Attempts: attempts, Cause: err}
	}
	c.opts.Logger.Info("authenticated", zap.Int("attempts", attempts))
	return nil
}

// browse is the main loop: wait for the next item, schedule actions against
// it, apply them, correlate the traffic window, persist, advance.
func (c *Controller) browse(ctx context.Context, key store.Key) error {
	c.setState(StateBrowsing)

	stallTimeout := c.opts.Settings.StallTimeout.Std()
	if stallTimeout <= 0 {
		stallTimeout = config.DefaultStallTimeout
	}
	watchBudget := c.opts.Settings.WatchTimeBudget.Std()
	maxVideos := c.opts.User.Settings.MaxVideos
	maxBatches := c.opts.User.Settings.MaxBatches

	consecutiveFailures := 0
	lastProgress := c.opts.Clock.Now()

	for item := 0; item < maxVideos; item++ {
		current, err := c.waitForItem(ctx, &lastProgress, stallTimeout)
		if err != nil {
			return err
		}

		windowStart := c.opts.Clock.Now()
		if err := c.step(ctx, key, current, windowStart, &consecutiveFailures); err != nil {
			return err
		}

		c.mu.Lock()
		c.stats.Items++
		watched := c.stats.WatchTime
		c.mu.Unlock()

		if watchBudget > 0 && watched >= watchBudget {
			c.opts.Logger.Info("watch-time budget reached",
				zap.Duration("watched", watched), zap.Duration("budget", watchBudget))
			return nil
		}
		if maxBatches > 0 && c.opts.Interceptor.Batches() >= maxBatches {
			c.opts.Logger.Info("feed batch budget reached",
				zap.Int("batches", c.opts.Interceptor.Batches()))
			return nil
		}

		if err := c.opts.Driver.NavigateNext(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.opts.Logger.Warn("navigation failed", zap.Error(err))
		}
		lastProgress = c.opts.Clock.Now()
	}
	return nil
}

// waitForItem polls the driver until an item is visible or the stall timeout
// elapses without feed progress.
func (c *Controller) waitForItem(ctx context.Context, lastProgress *time.Time, stallTimeout time.Duration) (*core.ContentItem, error) {
	for {
		item, err := c.opts.Driver.CurrentContentItem(ctx)
		switch {
		case err == nil:
			*lastProgress = c.opts.Clock.Now()
			return item, nil
		case errors.Is(err, core.ErrNoContent):
			if c.opts.Clock.Since(*lastProgress) >= stallTimeout {
				return nil, core.ErrStallTimeout
			}
			if sleepErr := c.opts.Sleep(ctx, pollInterval); sleepErr != nil {
				return nil, sleepErr
			}
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading current item: %w", err)
		}
	}
}

// step runs the scheduled actions for one item and persists the correlated
// interaction records.
func (c *Controller) step(ctx context.Context, key store.Key, item *core.ContentItem, windowStart time.Time, consecutiveFailures *int) error {
	// An item the DOM shows but the interceptor never captured cannot be
	// attributed; record the encounter as orphaned and move on.
	if item.ID == "" {
		rec := c.buildRecord(item, core.Action{
			Kind:      core.ActionSkip,
			Timestamp: c.opts.Clock.Now(),
			Outcome:   core.OutcomeOrphaned,
			Reason:    "uncaptured content",
		}, nil)
		rec.Orphaned = true
		c.mu.Lock()
		c.stats.Orphaned++
		c.mu.Unlock()
		return c.persist(key, rec)
	}

	actions := c.scheduler.Schedule(item)

	for n := range actions {
		action := &actions[n]

		// Escalation waits until the triggering action's record is on disk.
		var fatal error
		if action.Kind == core.ActionSkip {
			action.Outcome = core.OutcomeSkipped
		} else {
			outcome, err := c.opts.Driver.ApplyAction(ctx, action)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				outcome = core.OutcomeFailed
				applyErr := &core.ActionApplyError{Kind: action.Kind, Cause: err}
				c.opts.Logger.Warn("action failed", zap.String("kind", string(action.Kind)),
					zap.String("content_id", action.ContentID), zap.Error(err))
				*consecutiveFailures++
				if *consecutiveFailures >= c.opts.Settings.MaxConsecutiveFailures {
					fatal = &core.TooManyFailuresError{Consecutive: *consecutiveFailures, Last: applyErr}
				}
			} else if outcome == core.OutcomeApplied {
				*consecutiveFailures = 0
			}
			action.Outcome = outcome
		}

		c.scheduler.Commit(action)
		c.account(action)

		windowEnd := c.opts.Clock.Now()
		matched := c.opts.Interceptor.Correlate(item, windowStart, windowEnd)

		rec := c.buildRecord(item, *action, matched)
		if err := c.persist(key, rec); err != nil {
			return err
		}
		if fatal != nil {
			return fatal
		}
	}
	return nil
}

func (c *Controller) account(action *core.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Actions++
	switch action.Outcome {
	case core.OutcomeApplied:
		c.stats.Applied++
		if action.Kind == core.ActionWatch {
			c.stats.WatchTime += action.Duration
		}
	case core.OutcomeFailed:
		c.stats.Failed++
	case core.OutcomeSkipped:
		c.stats.Skipped++
	}
}

func (c *Controller) buildRecord(item *core.ContentItem, action core.Action, matched []core.ResponseRecord) core.InteractionRecord {
	c.mu.Lock()
	c.actSeq++
	seq := c.actSeq
	c.mu.Unlock()

	rec := core.InteractionRecord{
		RecordID:   uuid.NewString(),
		SessionID:  c.opts.SessionID,
		UserID:     c.opts.UserID,
		ContentID:  item.ID,
		Kind:       core.RecordInteraction,
		Timestamp:  action.Timestamp,
		SequenceNo: seq,
		Action:     action,
		Outcome:    action.Outcome,
	}
	for _, m := range matched {
		rec.ResponseSeqs = append(rec.ResponseSeqs, m.SequenceNo)
		if m.Ambiguous {
			rec.Ambiguous = true
		}
	}
	if rec.Ambiguous {
		c.mu.Lock()
		c.stats.Ambiguous++
		c.mu.Unlock()
	}
	return rec
}

func (c *Controller) persist(key store.Key, rec core.InteractionRecord) error {
	if c.opts.Store == nil {
		return nil
	}
	if err := c.opts.Store.StoreInteraction(key, &rec); err != nil {
		return fmt.Errorf("persisting interaction: %w", err)
	}
	return nil
}

// teardown flushes every captured record to the store and closes the driver.
// Best-effort: teardown failures are logged, not propagated, so the browse
// result stays the session's cause of death.
func (c *Controller) teardown(ctx context.Context, key store.Key) {
	if c.opts.Interceptor != nil {
		records := c.opts.Interceptor.Drain()
		for n := range records {
			if c.opts.Store == nil {
				continue
			}
			if err := c.opts.Store.StoreResponse(key, &records[n]); err != nil {
				c.opts.Logger.Error("flushing captured record", zap.Error(err))
			}
		}
		c.mu.Lock()
		c.stats.CaptureGaps = c.opts.Interceptor.Gaps()
		c.mu.Unlock()
	}

	if c.opts.Driver != nil {
		if err := c.opts.Driver.Close(ctx); err != nil {
			c.opts.Logger.Warn("driver close failed", zap.Error(err))
		}
	}
}
