package runner

import (
	"sync"
	"time"

	"feedtrace/internal/session"
)

// Status is a manifest entry's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Entry is one session's row in the run manifest. It exists before the
// session starts and is finalized exactly once, panics included, so the
// manifest never loses a session.
type Entry struct {
	mu         sync.Mutex
	sessionID  string
	scenario   string
	user       string
	status     Status
	cause      string
	startedAt  time.Time
	finishedAt time.Time
	live       func() session.Stats
	final      session.Stats
	finalized  bool
}

func (e *Entry) start(live func() session.Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRunning
	e.startedAt = time.Now()
	e.live = live
}

// finalize records the terminal status. Later calls are ignored so a panic
// recovery racing a normal finish cannot double-count.
func (e *Entry) finalize(status Status, cause string, stats session.Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return
	}
	e.finalized = true
	e.status = status
	e.cause = cause
	e.finishedAt = time.Now()
	e.final = stats
	e.live = nil
}

func (e *Entry) snapshot() SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.final
	if !e.finalized && e.live != nil {
		stats = e.live()
	}
	return SessionSummary{
		SessionID: e.sessionID,
		Scenario:  e.scenario,
		User:      e.user,
		Status:    e.status,
		Cause:     e.cause,
		StartedAt: e.startedAt,
		Duration:  e.duration(),
		Stats:     stats,
	}
}

func (e *Entry) duration() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	if e.finishedAt.IsZero() {
		return time.Since(e.startedAt).Round(time.Second)
	}
	return e.finishedAt.Sub(e.startedAt).Round(time.Second)
}

// Manifest is the run's authoritative session ledger.
type Manifest struct {
	mu        sync.Mutex
	startedAt time.Time
	entries   []*Entry
}

func NewManifest() *Manifest {
	return &Manifest{startedAt: time.Now()}
}

// Add registers a session before it starts.
func (m *Manifest) Add(sessionID, scenario, user string) *Entry {
	e := &Entry{
		sessionID: sessionID,
		scenario:  scenario,
		user:      user,
		status:    StatusPending,
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return e
}

// SessionSummary is one session's line in the run summary.
type SessionSummary struct {
	SessionID string        `json:"session_id"`
	Scenario  string        `json:"scenario"`
	User      string        `json:"user"`
	Status    Status        `json:"status"`
	Cause     string        `json:"cause,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Stats     session.Stats `json:"stats"`
}

// Summary aggregates the manifest. Safe to take while sessions run; running
// entries contribute their live counters.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Items       int           `json:"items"`
	Actions     int           `json:"actions"`
	Applied     int           `json:"applied"`
	ActionFails int           `json:"action_failures"`
	Orphaned    int           `json:"orphaned"`
	Ambiguous   int           `json:"ambiguous"`
	CaptureGaps int           `json:"capture_gaps"`
	Stalled     int           `json:"stalled"`
	WatchTime   time.Duration `json:"watch_time"`

	Sessions []SessionSummary `json:"sessions"`
}

// Snapshot aggregates every entry into a point-in-time summary.
func (m *Manifest) Snapshot() Summary {
	m.mu.Lock()
	entries := make([]*Entry, len(m.entries))
	copy(entries, m.entries)
	started := m.startedAt
	m.mu.Unlock()

	sum := Summary{
		StartedAt: started,
		Elapsed:   time.Since(started).Round(time.Second),
		Total:     len(entries),
	}
	for _, e := range entries {
		ss := e.snapshot()
		sum.Sessions = append(sum.Sessions, ss)

		switch ss.Status {
		case StatusRunning:
			sum.Running++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}

		sum.Items += ss.Stats.Items
		sum.Actions += ss.Stats.Actions
		sum.Applied += ss.Stats.Applied
		sum.ActionFails += ss.Stats.Failed
		sum.Orphaned += ss.Stats.Orphaned
		sum.Ambiguous += ss.Stats.Ambiguous
		sum.CaptureGaps += ss.Stats.CaptureGaps
		sum.WatchTime += ss.Stats.WatchTime
		if ss.Stats.Stalled {
			sum.Stalled++
		}
	}
	return sum
}
