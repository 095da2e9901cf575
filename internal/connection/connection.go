// Package connection tracks inbound tool-call connections and enforces
// per-connection rate limits alongside process-wide connection caps.
package connection

import (
	"sync"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
)

// Limits configures the rate- and connection-caps enforced by Manager.
// BurstLimit of zero disables the burst check.
type Limits struct {
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int
	BurstLimit           int
	BurstWindow          time.Duration

	MaxConcurrentConnections int
	MaxConnectionsPerIP      int
}

// DefaultLimits returns conservative defaults suitable for a single
// sandbox host.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestsPerMinute:     60,
		MaxRequestsPerHour:       1000,
		MaxConcurrentConnections: 50,
		MaxConnectionsPerIP:      10,
	}
}

type connState struct {
	window       []time.Time
	hourlyCount  int
	hourStart    time.Time
	lastSeen     time.Time
	burstWindow  []time.Time
}

// Manager tracks per-connection request history and enforces Limits.
// Each table (rate state, registered connections) holds its own lock,
// matching the one-lock-per-shared-resource rule used throughout the
// sandbox.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	clock  ids.Clock

	states map[string]*connState

	connMu      sync.Mutex
	connections map[string]string // connection_id -> ip
	byIP        map[string]int
	allowIPs    map[string]bool
	denyIPs     map[string]bool
}

// NewManager creates a connection Manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:      limits,
		clock:       ids.SystemClock{},
		states:      make(map[string]*connState),
		connections: make(map[string]string),
		byIP:        make(map[string]int),
	}
}

// SetClock overrides the manager's clock, used by tests.
func (m *Manager) SetClock(c ids.Clock) { m.clock = c }

// AllowIP adds ip to the allow list; once any allow-list entry exists,
// only listed IPs may register.
func (m *Manager) AllowIP(ip string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.allowIPs == nil {
		m.allowIPs = make(map[string]bool)
	}
	m.allowIPs[ip] = true
}

// DenyIP adds ip to the deny list.
func (m *Manager) DenyIP(ip string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.denyIPs == nil {
		m.denyIPs = make(map[string]bool)
	}
	m.denyIPs[ip] = true
}

// Register admits a new connection from ip, enforcing the allow/deny
// lists and the total/per-IP connection caps.
func (m *Manager) Register(connectionID, ip string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.denyIPs[ip] {
		return errs.New(errs.RateLimited, "ip is denied").WithContext("ip", ip)
	}
	if len(m.allowIPs) > 0 && !m.allowIPs[ip] {
		return errs.New(errs.RateLimited, "ip is not allow-listed").WithContext("ip", ip)
	}

	if m.limits.MaxConcurrentConnections > 0 && len(m.connections) >= m.limits.MaxConcurrentConnections {
		return errs.New(errs.ResourceExhausted, "max_concurrent_connections reached").
			WithContext("max_concurrent_connections", m.limits.MaxConcurrentConnections)
	}
	if m.limits.MaxConnectionsPerIP > 0 && m.byIP[ip] >= m.limits.MaxConnectionsPerIP {
		return errs.New(errs.ResourceExhausted, "max_connections_per_ip reached").
			WithContext("max_connections_per_ip", m.limits.MaxConnectionsPerIP).
			WithContext("ip", ip)
	}

	m.connections[connectionID] = ip
	m.byIP[ip]++
	return nil
}

// Unregister removes a connection, freeing its slot in the per-IP cap.
func (m *Manager) Unregister(connectionID string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	ip, ok := m.connections[connectionID]
	if !ok {
		return
	}
	delete(m.connections, connectionID)
	m.byIP[ip]--
	if m.byIP[ip] <= 0 {
		delete(m.byIP, ip)
	}
}

// ConnectionCount returns the number of currently registered connections.
func (m *Manager) ConnectionCount() int {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return len(m.connections)
}

// CheckRateLimit trims the connection's 60s sliding window, rolls its
// hourly counter, and checks the optional burst limit, in that order.
// On success it records the request and returns (true, 0).
func (m *Manager) CheckRateLimit(connectionID string) (allowed bool, retryAfterSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	st, ok := m.states[connectionID]
	if !ok {
		st = &connState{hourStart: now}
		m.states[connectionID] = st
	}
	st.lastSeen = now

	st.window = trimWindow(st.window, now, time.Minute)
	if m.limits.MaxRequestsPerMinute > 0 && len(st.window) >= m.limits.MaxRequestsPerMinute {
		retry := time.Minute - now.Sub(st.window[0])
		return false, retry.Seconds()
	}

	if now.Sub(st.hourStart) >= time.Hour {
		st.hourStart = now
		st.hourlyCount = 0
	}
	if m.limits.MaxRequestsPerHour > 0 && st.hourlyCount >= m.limits.MaxRequestsPerHour {
		retry := time.Hour - now.Sub(st.hourStart)
		return false, retry.Seconds()
	}

	if m.limits.BurstLimit > 0 {
		window := m.limits.BurstWindow
		if window <= 0 {
			window = time.Second
		}
		st.burstWindow = trimWindow(st.burstWindow, now, window)
		if len(st.burstWindow) >= m.limits.BurstLimit {
			retry := window - now.Sub(st.burstWindow[0])
			return false, retry.Seconds()
		}
	}

	st.window = append(st.window, now)
	st.hourlyCount++
	if m.limits.BurstLimit > 0 {
		st.burstWindow = append(st.burstWindow, now)
	}
	return true, 0
}

// trimWindow drops every timestamp older than window relative to now,
// preserving order (oldest first).
func trimWindow(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(timestamps) && timestamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append([]time.Time(nil), timestamps[i:]...)
}

// Stats summarizes a single connection's current rate-limit state.
type Stats struct {
	ConnectionID     string
	RequestsLastMin  int
	RequestsThisHour int
	LastSeen         time.Time
}

// StatsFor reports the current rate-limit bookkeeping for a connection,
// or false if nothing has been recorded for it yet.
func (m *Manager) StatsFor(connectionID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[connectionID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		ConnectionID:     connectionID,
		RequestsLastMin:  len(trimWindow(st.window, m.clock.Now(), time.Minute)),
		RequestsThisHour: st.hourlyCount,
		LastSeen:         st.lastSeen,
	}, true
}

// Prune removes per-connection rate-limit state that has been idle for
// longer than maxIdle, returning how many entries were dropped.
func (m *Manager) Prune(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for id, st := range m.states {
		if now.Sub(st.lastSeen) > maxIdle {
			delete(m.states, id)
			removed++
		}
	}
	return removed
}
