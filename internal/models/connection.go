package models

import "time"

// ConnectionState is an abstract caller identity over which rate limits
// and connection caps are enforced.
type ConnectionState struct {
	ConnectionID   string
	RemoteIP       string
	EstablishedAt  time.Time
	RecentRequests []time.Time // sliding window, trimmed to last 60s
	HourlyCount    int
	HourWindowFrom time.Time
	LastSeen       time.Time
}
