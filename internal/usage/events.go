// Package usage tracks how the report API is used. The API publishes one
// ReportEvent per served report to Kafka; the usage service consumes them
// into an in-memory Aggregator, serves its Stats, and snapshots them to
// PostgreSQL.
package usage

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

type EventType string

const EventReport EventType = "report"

// Window kinds.
const (
	WindowDay   = "day"
	WindowRange = "range"
	WindowWeek  = window.PeriodWeek
	WindowMonth = window.PeriodMonth
)

type ReportEvent struct {
	Type          EventType `json:"type"`
	Endpoint      string    `json:"endpoint"`
	Window        string    `json:"window"`
	Sources       int       `json:"sources"`
	FailedSources []string  `json:"failed_sources,omitempty"`
	Rows          int       `json:"rows"`
	LatencyMs     int64     `json:"latency_ms"`
	CacheHit      bool      `json:"cache_hit"`
	Status        int       `json:"status"`
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// WindowKind classifies w for usage reporting.
func WindowKind(w window.Window) string {
	switch {
	case w.IsNamed():
		return w.Period
	case w.Ranged:
		return WindowRange
	default:
		return WindowDay
	}
}
