// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

// Fake returns canned data. A non-nil Err fails every call; Delay blocks
// each call (honouring ctx); Panic makes Fetch panic with the given value.
type Fake struct {
	SourceName   string
	Rows         []report.ExtensionStat
	Roster       []report.RosterEntry
	Destinations []report.DestinationStat
	Err          error
	Delay        time.Duration
	Panic        any

	calls  atomic.Int64
	closed atomic.Bool
}

func (f *Fake) Name() string { return f.SourceName }

func (f *Fake) Fetch(ctx context.Context, w window.Window) ([]report.ExtensionStat, []report.RosterEntry, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, nil, err
	}
	if f.Panic != nil {
		panic(f.Panic)
	}
	if f.Err != nil {
		return nil, nil, f.Err
	}
	rows := append([]report.ExtensionStat(nil), f.Rows...)
	roster := append([]report.RosterEntry(nil), f.Roster...)
	return rows, roster, nil
}

func (f *Fake) FetchDestinations(ctx context.Context, w window.Window) ([]report.DestinationStat, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]report.DestinationStat(nil), f.Destinations...), nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.Err
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns how many fetches were made.
func (f *Fake) Calls() int64 { return f.calls.Load() }

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }

func (f *Fake) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active builds an activity row with the given talk minutes and call count.
func Active(ext int, name string, calls int, minutes float64) report.ExtensionStat {
	return report.ExtensionStat{
		Extension:          ext,
		Name:               name,
		UniqueDestinations: calls,
		CallCount:          calls,
		TotalTalkMinutes:   minutes,
	}
}
