package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewIsUniqueAndPrefixed(t *testing.T) {
	a := New("session")
	b := New("session")

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "session-")
}

func TestNewWithoutPrefix(t *testing.T) {
	id := New("")
	assert.NotContains(t, id, "-session")
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, clock.Since(start))
}
