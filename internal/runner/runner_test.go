package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedtrace/internal/config"
	"feedtrace/internal/core"
	"feedtrace/internal/intercept"
	"feedtrace/internal/session"
	"feedtrace/internal/store"
)

// scriptedDriver serves a fixed sequence of videos and records every applied
// action.
type scriptedDriver struct {
	mu      sync.Mutex
	items   []*core.ContentItem
	cursor  int
	applied []core.Action
	panicOn bool
}

func (d *scriptedDriver) Authenticate(ctx context.Context, creds core.Credentials) error {
	return nil
}

func (d *scriptedDriver) CurrentContentItem(ctx context.Context) (*core.ContentItem, error) {
	if d.panicOn {
		panic("browser process died")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor >= len(d.items) {
		return nil, core.ErrNoContent
	}
	return d.items[d.cursor], nil
}

func (d *scriptedDriver) ApplyAction(ctx context.Context, action *core.Action) (core.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, *action)
	return core.OutcomeApplied, nil
}

func (d *scriptedDriver) NavigateNext(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor++
	return nil
}

func (d *scriptedDriver) Close(ctx context.Context) error { return nil }

func (d *scriptedDriver) countKind(kind core.ActionKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.applied {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func feedOf(n int) []*core.ContentItem {
	items := make([]*core.ContentItem, n)
	for i := range items {
		items[i] = &core.ContentItem{
			ID:       fmt.Sprintf("v%d", i+1),
			Kind:     core.ContentVideo,
			Seq:      i,
			Duration: 10 * time.Second,
		}
	}
	return items
}

func singleUserConfig(user config.User) *config.Config {
	return &config.Config{
		Scenarios: map[string]config.Scenario{
			"scenario_1": {Users: map[string]config.User{"user1": user}},
		},
		Runs: []config.RunPair{{Scenario: "scenario_1", User: "user1"}},
		Settings: config.RunSettings{
			MaxConcurrency:         1,
			StallTimeout:           config.Duration(time.Second),
			AuthRetries:            1,
			MaxConsecutiveFailures: 3,
			Seed:                   1234,
		},
	}
}

func countRecords(t *testing.T, root, sub string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Base(filepath.Dir(path)) == sub {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

// TestRun_EndToEnd drives one full session through the real scheduler,
// interceptor, and store: a random-like budget of 2 over 5 videos must yield
// exactly 2 likes and 5 watches, with gap-free captured sequences.
func TestRun_EndToEnd(t *testing.T) {
	user := config.User{
		Settings: config.UserSettings{
			MaxVideos:                  5,
			MaxWatchTime:               config.Duration(120 * time.Second),
			HashtagsWatchLongerMaxTime: config.Duration(120 * time.Second),
			RandomWatchMaxTime:         config.Duration(120 * time.Second),
		},
		Profile: config.Profile{
			RandomPostsToLike:              2,
			RandomVideosToWatch:            5,
			WatchCoefficientWithHashtags:   1,
			WatchCoefficientNoHashtags:     1,
			HashtagsWatchLongerCoefficient: 1,
			RandomWatchCoefficient:         1,
		},
	}

	root := t.TempDir()
	st, err := store.Open(root, nil)
	require.NoError(t, err)

	driver := &scriptedDriver{items: feedOf(5)}
	coord := New(Options{
		Config: singleUserConfig(user),
		Store:  st,
		Drivers: func(ctx context.Context, env SessionEnv) (core.Driver, error) {
			// Simulate captured traffic so teardown has something to flush.
			env.Interceptor.Observe(intercept.Exchange{URL: "https://www.tiktok.com/api/x", Status: 200})
			env.Interceptor.Observe(intercept.Exchange{URL: "https://www.tiktok.com/api/y", Status: 200})
			return driver, nil
		},
	})

	summary, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 5, summary.Items)
	assert.Zero(t, summary.CaptureGaps, "sequences must be gap-free")

	assert.Equal(t, 2, driver.countKind(core.ActionLike), "budget of 2 consumed exactly")
	assert.Equal(t, 5, driver.countKind(core.ActionWatch), "every video watched")

	assert.Equal(t, 7, countRecords(t, root, "interactions"), "one record per action")
	assert.Equal(t, 2, countRecords(t, root, "responses"), "captured traffic flushed")
}

// TestRun_FaultIsolation runs three sessions where the middle one panics:
// the other two must complete and the panic lands in the manifest.
func TestRun_FaultIsolation(t *testing.T) {
	user := config.User{
		Settings: config.UserSettings{
			MaxVideos:    2,
			MaxWatchTime: config.Duration(120 * time.Second),
		},
		Profile: config.Profile{
			WatchCoefficientWithHashtags: 1,
			WatchCoefficientNoHashtags:   1,
		},
	}
	cfg := &config.Config{
		Scenarios: map[string]config.Scenario{
			"scenario_1": {Users: map[string]config.User{
				"user1": user, "user2": user, "user3": user,
			}},
		},
		Runs: []config.RunPair{
			{Scenario: "scenario_1", User: "user1"},
			{Scenario: "scenario_1", User: "user2"},
			{Scenario: "scenario_1", User: "user3"},
		},
		Settings: config.RunSettings{
			MaxConcurrency:         3,
			StallTimeout:           config.Duration(time.Second),
			MaxConsecutiveFailures: 3,
			Seed:                   7,
		},
	}

	coord := New(Options{
		Config: cfg,
		Drivers: func(ctx context.Context, env SessionEnv) (core.Driver, error) {
			d := &scriptedDriver{items: feedOf(2)}
			if env.UserID == "user2" {
				d.panicOn = true
			}
			return d, nil
		},
	})

	summary, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	for _, ss := range summary.Sessions {
		if ss.User == "user2" {
			assert.Equal(t, StatusFailed, ss.Status)
			assert.Contains(t, ss.Cause, "panic")
		} else {
			assert.Equal(t, StatusCompleted, ss.Status)
		}
	}
}

func TestRun_UnknownPairSkipped(t *testing.T) {
	user := config.User{
		Settings: config.UserSettings{
			MaxVideos:    1,
			MaxWatchTime: config.Duration(120 * time.Second),
		},
		Profile: config.Profile{
			WatchCoefficientWithHashtags: 1,
			WatchCoefficientNoHashtags:   1,
		},
	}
	cfg := singleUserConfig(user)
	cfg.Runs = append(cfg.Runs, config.RunPair{Scenario: "nope", User: "user1"})
	cfg.Settings.MaxConcurrency = 2

	coord := New(Options{
		Config: cfg,
		Drivers: func(ctx context.Context, env SessionEnv) (core.Driver, error) {
			return &scriptedDriver{items: feedOf(1)}, nil
		},
	})

	summary, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRun_DriverConstructionFailure(t *testing.T) {
	user := config.User{Settings: config.UserSettings{MaxVideos: 1}}
	coord := New(Options{
		Config: singleUserConfig(user),
		Drivers: func(ctx context.Context, env SessionEnv) (core.Driver, error) {
			return nil, errors.New("chromium not found")
		},
	})

	summary, err := coord.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	assert.Contains(t, summary.Sessions[0].Cause, "chromium not found")
}

func TestManifest_FinalizeOnce(t *testing.T) {
	m := NewManifest()
	e := m.Add("s1", "scenario_1", "user1")
	e.start(func() session.Stats { return session.Stats{Items: 1} })

	e.finalize(StatusCompleted, "", session.Stats{Items: 3})
	e.finalize(StatusFailed, "panic: late", session.Stats{})

	sum := m.Snapshot()
	require.Len(t, sum.Sessions, 1)
	assert.Equal(t, StatusCompleted, sum.Sessions[0].Status, "second finalize ignored")
	assert.Equal(t, 3, sum.Items)
	assert.Equal(t, 1, sum.Completed)
}

func TestManifest_LiveStatsWhileRunning(t *testing.T) {
	m := NewManifest()
	e := m.Add("s1", "scenario_1", "user1")
	e.start(func() session.Stats { return session.Stats{Items: 42} })

	sum := m.Snapshot()
	assert.Equal(t, 1, sum.Running)
	assert.Equal(t, 42, sum.Items, "running entries report live counters")
}

func TestFormatText(t *testing.T) {
	var buf bytes.Buffer
	FormatText(&buf, Summary{
		Total: 2, Completed: 1, Failed: 1,
		Items: 10, Actions: 12, Applied: 11,
		Sessions: []SessionSummary{
			{Scenario: "scenario_1", User: "user1", Status: StatusCompleted},
			{Scenario: "scenario_1", User: "user2", Status: StatusFailed, Cause: "auth_error"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "Sessions:       2 (completed: 1, failed: 1, skipped: 0)")
	assert.Contains(t, out, "failed: auth_error")
}

func TestFormatText_Empty(t *testing.T) {
	var buf bytes.Buffer
	FormatText(&buf, Summary{})
	assert.Contains(t, buf.String(), "No sessions executed")
}

func TestFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	FormatJSON(&buf, Summary{Total: 1, Completed: 1})
	assert.True(t, strings.Contains(buf.String(), `"completed": 1`))
}
