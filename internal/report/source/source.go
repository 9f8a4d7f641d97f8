// Package source provides the CDR data sources queried by the reports. A
// Source wraps one configured database; SQLSource runs the aggregate
// queries against an Asterisk cdr table over database/sql, and Guarded adds
// a per-source timeout and circuit breaker.
package source

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

// Source is one CDR database.
type Source interface {
	// Name identifies the source in responses and logs.
	Name() string
	// Fetch returns at most one activity row per extension active in w and
	// the full extension roster.
	Fetch(ctx context.Context, w window.Window) ([]report.ExtensionStat, []report.RosterEntry, error)
	// FetchDestinations returns per-destination call tallies for w.
	FetchDestinations(ctx context.Context, w window.Window) ([]report.DestinationStat, error)
	Ping(ctx context.Context) error
	Close() error
}

// Names returns the names of sources in order.
func Names(sources []Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	return names
}

// CloseAll closes every source, returning the first error.
func CloseAll(sources []Source) error {
	var first error
	for _, s := range sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
