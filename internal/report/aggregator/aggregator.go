// Package aggregator fans a report out to every configured source
// concurrently and merges the per-source results.
//
// Each source is fetched and reconciled in its own goroutine, bounded by the
// configured parallelism. A failing (or panicking) source never aborts the
// others: its failure is recorded in its Outcome and surfaced to the client
// as a SourceError while the remaining sources are merged normally.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/reconcile"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/tracing"
)

// Result is the outcome of one source's work. Exactly one of Value and Err
// is meaningful.
type Result[T any] struct {
	Source string
	Value  T
	Err    error
}

// Outcome is one source's reconciled activity.
type Outcome = Result[[]report.ExtensionStat]

// maxReserve caps the time kept back from the request deadline for
// shaping and writing the response.
const maxReserve = 2 * time.Second

var errDeadline = errors.New("request deadline reached")

// fanOutContext ends the fan-out a little before the request deadline, so
// sources still running or queued fail individually and the report can
// still be written.
func fanOutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	reserve := min(time.Until(deadline)/5, maxReserve)
	return context.WithDeadlineCause(ctx, deadline.Add(-max(reserve, 0)), errDeadline)
}

// FanOut runs fn against every source with at most limit calls in flight
// (limit <= 0 means one goroutine per source). The result slice is indexed
// like sources and is complete when FanOut returns. When ctx carries a
// deadline, FanOut returns shortly before it.
func FanOut[T any](ctx context.Context, sources []source.Source, limit int, fn func(context.Context, source.Source) (T, error)) []Result[T] {
	results := make([]Result[T], len(sources))
	if limit <= 0 {
		limit = len(sources)
	}
	ctx, cancel := fanOutContext(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, src := range sources {
		g.Go(func() error {
			results[i] = call(ctx, src, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func call[T any](ctx context.Context, src source.Source, fn func(context.Context, source.Source) (T, error)) (res Result[T]) {
	name := src.Name()
	res.Source = name

	ctx, span := tracing.StartChildSpan(ctx, "source.fetch")
	span.SetSource(name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Source: name, Err: fmt.Errorf("%w: %s panicked: %v", apperrors.ErrSourceFailure, name, r)}
			span.SetAttr("panic", true)
			span.Fail(res.Err)
		}
	}()

	// Sources still queued when the context ends are not queried.
	if ctx.Err() != nil {
		err := interrupted(ctx, name)
		span.Fail(err)
		return Result[T]{Source: name, Err: err}
	}
	v, err := fn(ctx, src)
	if err != nil {
		if errors.Is(context.Cause(ctx), errDeadline) {
			err = interrupted(ctx, name)
		}
		span.Fail(err)
		return Result[T]{Source: name, Err: err}
	}
	return Result[T]{Source: name, Value: v}
}

func interrupted(ctx context.Context, name string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadline) {
		return fmt.Errorf("%s: %w: %w", name, apperrors.ErrTimeout, cause)
	}
	return fmt.Errorf("%s: %w", name, cause)
}

// Errors converts the failed results into SourceErrors, in source order.
func Errors[T any](results []Result[T]) []report.SourceError {
	var errs []report.SourceError
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, report.SourceError{Source: r.Source, Message: r.Err.Error()})
		}
	}
	return errs
}

// Aggregator builds the combined per-extension report.
type Aggregator struct {
	parallelism int
	logger      *slog.Logger
}

// New returns an Aggregator running at most parallelism source fetches at
// once; zero means all sources at once.
func New(parallelism int) *Aggregator {
	return &Aggregator{
		parallelism: parallelism,
		logger:      slog.Default().With("component", "aggregator"),
	}
}

// Aggregate fetches w from every source, reconciles each source against its
// roster and merges the results. It never fails as a whole: per-source
// failures are returned alongside whatever could be merged.
func (a *Aggregator) Aggregate(ctx context.Context, w window.Window, sources []source.Source) ([]report.CombinedStat, []report.SourceError) {
	outcomes := FanOut(ctx, sources, a.parallelism, func(ctx context.Context, src source.Source) ([]report.ExtensionStat, error) {
		rows, roster, err := src.Fetch(ctx, w)
		if err != nil {
			return nil, err
		}
		stats := reconcile.Reconcile(rows, roster)
		tracing.SpanFromContext(ctx).SetRows(len(stats))
		return stats, nil
	})

	log := logger.FromContext(ctx)
	for _, o := range outcomes {
		if o.Err != nil {
			log.Warn("source failed", "source", o.Source, "window", w.Label(), "error", o.Err)
		}
	}

	combined := Combine(outcomes)
	errs := Errors(outcomes)
	a.logger.Debug("aggregated",
		"window", w.Label(),
		"sources", len(sources),
		"failed", len(errs),
		"extensions", len(combined),
	)
	return combined, errs
}

// Combine merges successful outcomes in order. Counters are summed per
// extension, the first non-empty name is kept, minute totals are rounded to
// two decimals after summing, and the result is sorted by total talk
// minutes descending with ties kept in first-encounter order. The result is
// never nil.
func Combine(outcomes []Outcome) []report.CombinedStat {
	index := make(map[int]int)
	combined := make([]report.CombinedStat, 0)

	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		for _, row := range o.Value {
			i, ok := index[row.Extension]
			if !ok {
				index[row.Extension] = len(combined)
				combined = append(combined, report.CombinedStat{Extension: row.Extension})
				i = len(combined) - 1
			}
			c := &combined[i]
			if c.Name == "" {
				c.Name = row.Name
			}
			c.UniqueDestinations += row.UniqueDestinations
			c.CallCount += row.CallCount
			c.TotalTalkMinutes += row.TotalTalkMinutes
			c.LongCallCount += row.LongCallCount
			c.LongCallMinutes += row.LongCallMinutes
		}
	}

	for i := range combined {
		combined[i].TotalTalkMinutes = report.Round2(combined[i].TotalTalkMinutes)
		combined[i].LongCallMinutes = report.Round2(combined[i].LongCallMinutes)
	}
	slices.SortStableFunc(combined, func(a, b report.CombinedStat) int {
		return cmp.Compare(b.TotalTalkMinutes, a.TotalTalkMinutes)
	})
	return combined
}
