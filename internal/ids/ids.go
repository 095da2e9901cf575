// Package ids provides identifier generation and clock services shared
// across every sandbox component, so tests can inject a deterministic
// Clock instead of depending on wall-clock time.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// New returns a new unique identifier, optionally prefixed (e.g.
// "session-<uuid>", "task-<uuid>").
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Clock abstracts wall-clock and monotonic time so components can be
// tested without racing the real clock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock is the real Clock backed by the time package.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Since returns the elapsed duration since t.
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// FakeClock is a controllable Clock for deterministic tests.
type FakeClock struct {
	current time.Time
}

// NewFakeClock creates a FakeClock fixed at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the fake clock's current time.
func (f *FakeClock) Now() time.Time { return f.current }

// Since returns the duration between t and the fake clock's current time.
func (f *FakeClock) Since(t time.Time) time.Duration { return f.current.Sub(t) }

// Advance moves the fake clock forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.current = f.current.Add(d)
}
