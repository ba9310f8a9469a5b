package core

import (
	"errors"
	"fmt"
)

// ErrStallTimeout ends a session's browsing loop when the feed produces no
// new item within the configured window. Not fatal to the run; buffered
// data is still persisted.
var ErrStallTimeout = errors.New("feed stalled beyond timeout")

// ErrNoContent is returned by drivers when no item is currently visible.
// The controller keeps polling until ErrStallTimeout.
var ErrNoContent = errors.New("no content item visible")

// AuthError is fatal per-session after bounded retries.
type AuthError struct {
	Attempts int
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth_error: failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// CaptureGapError marks a sequence-number discontinuity in a session's
// captured traffic. Logged, non-fatal; the record following the gap is
// flagged.
type CaptureGapError struct {
	SessionID string
	Expected  uint64
	Got       uint64
}

func (e *CaptureGapError) Error() string {
	return fmt.Sprintf("capture gap in session %s: expected sequence %d, got %d",
		e.SessionID, e.Expected, e.Got)
}

// ValidationError quarantines a record instead of propagating to the
// browsing loop.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

// ActionApplyError is recorded as a failed-outcome action. It escalates to
// session failure only past the consecutive-failure threshold.
type ActionApplyError struct {
	Kind  ActionKind
	Cause error
}

func (e *ActionApplyError) Error() string {
	return fmt.Sprintf("applying %s action: %v", e.Kind, e.Cause)
}

func (e *ActionApplyError) Unwrap() error { return e.Cause }

// TooManyFailuresError is the session-fatal escalation of repeated
// consecutive action failures.
type TooManyFailuresError struct {
	Consecutive int
	Last        error
}

func (e *TooManyFailuresError) Error() string {
	return fmt.Sprintf("action_errors: %d consecutive failures, last: %v", e.Consecutive, e.Last)
}

func (e *TooManyFailuresError) Unwrap() error { return e.Last }
