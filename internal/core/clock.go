package core

import "time"

// Clock abstracts time so correlation windows and watch budgets can be
// tested deterministically.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock delegates to the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                   { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// FakeClock is a manually advanced test clock. Not safe for concurrent use;
// tests advance it from a single goroutine.
type FakeClock struct {
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

func (f *FakeClock) Now() time.Time                   { return f.current }
func (f *FakeClock) Since(t time.Time) time.Duration { return f.current.Sub(t) }

// Advance moves the clock forward and returns the new time, so tests can
// stamp events while stepping through a scenario.
func (f *FakeClock) Advance(d time.Duration) time.Time {
	f.current = f.current.Add(d)
	return f.current
}
