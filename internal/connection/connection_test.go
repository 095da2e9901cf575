package connection

import (
	"testing"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, limits Limits, now time.Time) (*Manager, *ids.FakeClock) {
	t.Helper()
	m := NewManager(limits)
	clock := ids.NewFakeClock(now)
	m.SetClock(clock)
	return m, clock
}

func TestCheckRateLimitAllowsUnderMinuteCap(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManager(t, Limits{MaxRequestsPerMinute: 3, MaxRequestsPerHour: 100}, start)

	for i := 0; i < 3; i++ {
		allowed, _ := m.CheckRateLimit("conn-1")
		assert.True(t, allowed)
	}
}

func TestCheckRateLimitDeniesOverMinuteCap(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManager(t, Limits{MaxRequestsPerMinute: 2, MaxRequestsPerHour: 100}, start)

	m.CheckRateLimit("conn-1")
	m.CheckRateLimit("conn-1")
	allowed, retryAfter := m.CheckRateLimit("conn-1")

	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0.0)
	assert.LessOrEqual(t, retryAfter, 60.0)
}

func TestCheckRateLimitWindowTrimsAfterMinute(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, clock := newManager(t, Limits{MaxRequestsPerMinute: 1, MaxRequestsPerHour: 100}, start)

	m.CheckRateLimit("conn-1")
	allowed, _ := m.CheckRateLimit("conn-1")
	require.False(t, allowed)

	clock.Advance(61 * time.Second)
	allowed, _ = m.CheckRateLimit("conn-1")
	assert.True(t, allowed)
}

func TestCheckRateLimitDeniesOverHourlyCap(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManager(t, Limits{MaxRequestsPerMinute: 1000, MaxRequestsPerHour: 2}, start)

	m.CheckRateLimit("conn-1")
	m.CheckRateLimit("conn-1")
	allowed, retryAfter := m.CheckRateLimit("conn-1")

	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0.0)
}

func TestCheckRateLimitHourlyCounterRollsOverAfterHour(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, clock := newManager(t, Limits{MaxRequestsPerMinute: 1000, MaxRequestsPerHour: 1}, start)

	m.CheckRateLimit("conn-1")
	allowed, _ := m.CheckRateLimit("conn-1")
	require.False(t, allowed)

	clock.Advance(time.Hour + time.Second)
	allowed, _ = m.CheckRateLimit("conn-1")
	assert.True(t, allowed)
}

func TestCheckRateLimitBurstLimitRejectsRapidBurst(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limits := Limits{MaxRequestsPerMinute: 1000, MaxRequestsPerHour: 1000, BurstLimit: 2, BurstWindow: time.Second}
	m, _ := newManager(t, limits, start)

	m.CheckRateLimit("conn-1")
	m.CheckRateLimit("conn-1")
	allowed, retryAfter := m.CheckRateLimit("conn-1")

	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0.0)
}

func TestCheckRateLimitIsPerConnection(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManager(t, Limits{MaxRequestsPerMinute: 1, MaxRequestsPerHour: 100}, start)

	m.CheckRateLimit("conn-1")
	allowed, _ := m.CheckRateLimit("conn-1")
	require.False(t, allowed)

	allowed, _ = m.CheckRateLimit("conn-2")
	assert.True(t, allowed)
}

func TestRegisterEnforcesConcurrentCap(t *testing.T) {
	m, _ := newManager(t, Limits{MaxConcurrentConnections: 1, MaxConnectionsPerIP: 10}, time.Now())

	require.NoError(t, m.Register("conn-1", "10.0.0.1"))
	err := m.Register("conn-2", "10.0.0.2")
	require.Error(t, err)
}

func TestRegisterEnforcesPerIPCap(t *testing.T) {
	m, _ := newManager(t, Limits{MaxConcurrentConnections: 10, MaxConnectionsPerIP: 1}, time.Now())

	require.NoError(t, m.Register("conn-1", "10.0.0.1"))
	err := m.Register("conn-2", "10.0.0.1")
	require.Error(t, err)

	require.NoError(t, m.Register("conn-3", "10.0.0.2"))
}

func TestUnregisterFreesSlot(t *testing.T) {
	m, _ := newManager(t, Limits{MaxConcurrentConnections: 1, MaxConnectionsPerIP: 1}, time.Now())

	require.NoError(t, m.Register("conn-1", "10.0.0.1"))
	m.Unregister("conn-1")
	require.NoError(t, m.Register("conn-2", "10.0.0.1"))
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestDenyListRejectsRegistration(t *testing.T) {
	m, _ := newManager(t, DefaultLimits(), time.Now())
	m.DenyIP("10.0.0.1")

	err := m.Register("conn-1", "10.0.0.1")
	require.Error(t, err)
}

func TestAllowListOnlyAdmitsListedIPs(t *testing.T) {
	m, _ := newManager(t, DefaultLimits(), time.Now())
	m.AllowIP("10.0.0.1")

	require.NoError(t, m.Register("conn-1", "10.0.0.1"))
	err := m.Register("conn-2", "10.0.0.2")
	require.Error(t, err)
}

func TestStatsForReportsCurrentCounts(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManager(t, DefaultLimits(), start)

	m.CheckRateLimit("conn-1")
	m.CheckRateLimit("conn-1")

	stats, ok := m.StatsFor("conn-1")
	require.True(t, ok)
	assert.Equal(t, 2, stats.RequestsLastMin)
	assert.Equal(t, 2, stats.RequestsThisHour)
}

func TestPruneDropsIdleConnections(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, clock := newManager(t, DefaultLimits(), start)

	m.CheckRateLimit("conn-1")
	clock.Advance(2 * time.Hour)

	removed := m.Prune(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := m.StatsFor("conn-1")
	assert.False(t, ok)
}
