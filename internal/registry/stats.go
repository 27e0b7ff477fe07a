package registry

import (
	"sync/atomic"
	"time"
)

// Stats holds the process-wide delivery counters. Monotonic for the
// process lifetime; reset only by restart.
type Stats struct {
	started time.Time

	sent         atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	acknowledged atomic.Int64
}

// StatsSnapshot is a point-in-time view for the debug endpoints.
type StatsSnapshot struct {
	Sent          int64 `json:"sent"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Acknowledged  int64 `json:"acknowledged"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

// NewStats constructs zeroed counters anchored at the current time.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) AddSent()         { s.sent.Add(1) }
func (s *Stats) AddDelivered()    { s.delivered.Add(1) }
func (s *Stats) AddFailed()       { s.failed.Add(1) }
func (s *Stats) AddAcknowledged() { s.acknowledged.Add(1) }

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sent:          s.sent.Load(),
		Delivered:     s.delivered.Load(),
		Failed:        s.failed.Load(),
		Acknowledged:  s.acknowledged.Load(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
}
