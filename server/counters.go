package server

import "sync/atomic"

// Counters server wide statistics, safe for concurrent use
type Counters struct {
	logins             atomic.Int64
	loginRejections    atomic.Int64
	logouts            atomic.Int64
	requests           atomic.Int64
	events             atomic.Int64
	confirms           atomic.Int64
	protocolViolations atomic.Int64
	activeWorkers      atomic.Int64
}

// CounterSnapshot point in time copy of Counters
type CounterSnapshot struct {
	// Logins completed logins
	Logins int64 `json:"logins"`
	// LoginRejections logins rejected for a duplicate user name
	LoginRejections int64 `json:"login_rejections"`
	// Logouts completed logouts
	Logouts int64 `json:"logouts"`
	// Requests received login, chat message, and logout requests
	Requests int64 `json:"requests"`
	// Events event PDUs sent
	Events int64 `json:"events"`
	// Confirms event confirms received
	Confirms int64 `json:"confirms"`
	// ProtocolViolations discarded PDUs
	ProtocolViolations int64 `json:"protocol_violations"`
	// ActiveWorkers running workers
	ActiveWorkers int64 `json:"active_workers"`
	// LoggedIn clients currently REGISTERED
	LoggedIn int `json:"logged_in"`
}

// Snapshot read every counter
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Logins:             c.logins.Load(),
		LoginRejections:    c.loginRejections.Load(),
		Logouts:            c.logouts.Load(),
		Requests:           c.requests.Load(),
		Events:             c.events.Load(),
		Confirms:           c.confirms.Load(),
		ProtocolViolations: c.protocolViolations.Load(),
		ActiveWorkers:      c.activeWorkers.Load(),
	}
}
