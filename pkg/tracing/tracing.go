// Package tracing records a span tree per report request: a root span for
// the request and a child span for every source queried on its behalf.
// The tree is written through slog at debug level once the request ends.
//
// Span methods are safe on a nil *Span, so callers can annotate whatever
// SpanFromContext returns without checking whether tracing is on.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed step of a report request.
type Span struct {
	Name    string
	TraceID string

	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	window   string
	source   string
	rows     int
	err      error
	extra    []slog.Attr
	children []*Span
}

// StartSpan starts a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, start: time.Now()}
	return context.WithValue(ctx, contextKey{}, s), s
}

// StartChildSpan starts a span under the one in ctx. Without a parent the
// span is detached: it still records, but no tree will ever log it.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{Name: name, start: time.Now()}
	if parent := SpanFromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

// SpanFromContext returns the innermost span in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

func (s *Span) update(fn func()) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// SetWindow records the report window label.
func (s *Span) SetWindow(label string) { s.update(func() { s.window = label }) }

// SetSource records which source the span queried.
func (s *Span) SetSource(name string) { s.update(func() { s.source = name }) }

// SetRows records how many report rows the step produced.
func (s *Span) SetRows(n int) { s.update(func() { s.rows = n }) }

// Fail records the error that ended the step.
func (s *Span) Fail(err error) { s.update(func() { s.err = err }) }

// SetAttr attaches any other key-value pair.
func (s *Span) SetAttr(key string, value any) {
	s.update(func() { s.extra = append(s.extra, slog.Any(key, value)) })
}

// End fixes the span's duration. Later calls are ignored.
func (s *Span) End() {
	s.update(func() {
		if s.duration == 0 {
			s.duration = max(time.Since(s.start), time.Nanosecond)
		}
	})
}

// Duration is zero until End.
func (s *Span) Duration() time.Duration {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Children returns a snapshot of the direct child spans.
func (s *Span) Children() []*Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// FailedSources lists the sources of child spans that recorded an error,
// in start order.
func (s *Span) FailedSources() []string {
	var failed []string
	for _, c := range s.Children() {
		c.mu.Lock()
		if c.err != nil {
			failed = append(failed, c.source)
		}
		c.mu.Unlock()
	}
	return failed
}

// Log writes the tree rooted at s, one debug record per span.
func (s *Span) Log() {
	if s == nil {
		return
	}
	s.log(slog.Default(), 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	children := s.Children()

	s.mu.Lock()
	attrs := []slog.Attr{
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
		slog.Int("depth", depth),
		slog.Int64("duration_ms", s.duration.Milliseconds()),
	}
	if s.window != "" {
		attrs = append(attrs, slog.String("window", s.window))
	}
	if s.source != "" {
		attrs = append(attrs, slog.String("source", s.source))
	}
	attrs = append(attrs, slog.Int("rows", s.rows))
	if s.err != nil {
		attrs = append(attrs, slog.String("error", s.err.Error()))
	}
	attrs = append(attrs, s.extra...)
	s.mu.Unlock()

	if len(children) > 0 {
		attrs = append(attrs, slog.Int("children", len(children)), slog.Any("failed_sources", s.FailedSources()))
	}
	logger.LogAttrs(context.Background(), slog.LevelDebug, "span", attrs...)
	for _, c := range children {
		c.log(logger, depth+1)
	}
}
