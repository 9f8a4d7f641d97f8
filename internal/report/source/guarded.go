package source

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/resilience"
)

// Observer receives the outcome of every guarded query.
type Observer interface {
	ObserveQuery(source, query string, elapsed time.Duration, err error)
}

// Guarded bounds each query of the wrapped Source by a timeout and routes it
// through a circuit breaker, so a dead database fails fast instead of
// holding every request for the full timeout.
type Guarded struct {
	Source
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	observer Observer
}

// NewGuarded wraps src. breaker and observer may be nil.
func NewGuarded(src Source, timeout time.Duration, breaker *resilience.CircuitBreaker, observer Observer) *Guarded {
	return &Guarded{
		Source:   src,
		timeout:  timeout,
		breaker:  breaker,
		observer: observer,
	}
}

type fetched struct {
	rows   []report.ExtensionStat
	roster []report.RosterEntry
}

func (g *Guarded) Fetch(ctx context.Context, w window.Window) ([]report.ExtensionStat, []report.RosterEntry, error) {
	out, err := guard(ctx, g, QueryFetch, func(ctx context.Context) (fetched, error) {
		rows, roster, err := g.Source.Fetch(ctx, w)
		return fetched{rows: rows, roster: roster}, err
	})
	if err != nil {
		return nil, nil, err
	}
	return out.rows, out.roster, nil
}

func (g *Guarded) FetchDestinations(ctx context.Context, w window.Window) ([]report.DestinationStat, error) {
	return guard(ctx, g, QueryDestinations, func(ctx context.Context) ([]report.DestinationStat, error) {
		return g.Source.FetchDestinations(ctx, w)
	})
}

// Breaker returns the circuit breaker, or nil.
func (g *Guarded) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func guard[T any](ctx context.Context, g *Guarded, query string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	var out T
	call := func() error {
		v, err := resilience.WithTimeout(ctx, g.timeout, g.Name()+" "+query, fn)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(call)
	} else {
		err = call()
	}
	if g.observer != nil {
		g.observer.ObserveQuery(g.Name(), query, time.Since(start), err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
