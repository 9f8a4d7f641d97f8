// Package handler implements the report endpoints of the CDR statistics
// API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/aggregator"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/asr"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/cache"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/shaper"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/usage"
	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/tracing"
)

// Endpoint names, used in cache keys, metrics and usage events.
const (
	EndpointCallStat = "callstat"
	EndpointASRStat  = "asrstat"
)

// Tracker receives one event per served report; *usage.Collector
// satisfies it.
type Tracker interface {
	Track(event usage.ReportEvent)
}

// Config is the immutable state shared by every request.
type Config struct {
	Sources    []source.Source
	Aggregator *aggregator.Aggregator
	ASR        *asr.Builder
	// Location is the time zone date parameters are interpreted in.
	Location *time.Location
	// Optional.
	Cache   *cache.ReportCache
	Usage   Tracker
	Metrics *metrics.Metrics
	Tracing bool
	Now     func() time.Time
}

type Handler struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		cfg:    cfg,
		logger: slog.Default().With("component", "report-handler"),
	}
}

// built is a rendered report plus what usage tracking needs to know.
type built struct {
	body   any
	rows   int
	failed []string
}

// CallStat serves the combined per-extension report.
func (h *Handler) CallStat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, EndpointCallStat, func(ctx context.Context, win window.Window) built {
		combined, errs := h.cfg.Aggregator.Aggregate(ctx, win, h.cfg.Sources)
		return built{
			body:   shaper.CallStat(win, combined, errs),
			rows:   len(combined),
			failed: failedSources(errs),
		}
	})
}

// ASRStat serves the per-source answer-seizure ratio report.
func (h *Handler) ASRStat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, EndpointASRStat, func(ctx context.Context, win window.Window) built {
		results := h.cfg.ASR.Build(ctx, win, h.cfg.Sources)
		rows := 0
		for _, res := range results {
			rows += len(res.Value)
		}
		return built{
			body:   shaper.ASR(win, results),
			rows:   rows,
			failed: failedSources(aggregator.Errors(results)),
		}
	})
}

// CacheStats reports report cache hit counts.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cfg.Cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, build func(context.Context, window.Window) built) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)
	now := h.cfg.Now().In(h.cfg.Location)

	win, err := window.Resolve(window.ParamsFromQuery(r.URL.Query()), now)
	if err != nil {
		log.Info("rejected report parameters", "endpoint", endpoint, "query", r.URL.RawQuery, "error", err)
		status := apperrors.HTTPStatusCode(err)
		h.writeError(w, status, apperrors.PublicMessage(err))
		h.track(ctx, usage.ReportEvent{Endpoint: endpoint, Status: status, LatencyMs: time.Since(start).Milliseconds()})
		return
	}

	if h.cfg.Tracing {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, endpoint, logger.RequestID(ctx))
		span.SetWindow(win.Label())
		defer func() {
			span.End()
			span.Log()
		}()
	}

	compute := func(ctx context.Context) (cache.Report, error) {
		out := build(ctx, win)
		body, err := json.Marshal(out.body)
		if err != nil {
			return cache.Report{}, fmt.Errorf("encoding %s response: %w", endpoint, err)
		}
		return cache.Report{Body: body, Rows: out.rows, Failed: out.failed}, nil
	}

	var rep cache.Report
	cacheHit := false
	if h.cfg.Cache != nil && win.ClosedBefore(now) {
		rep, cacheHit, err = h.cfg.Cache.GetOrCompute(ctx, cache.Key(endpoint, win), compute)
		if h.cfg.Metrics != nil && err == nil {
			h.cfg.Metrics.ObserveCache(cacheHit)
		}
	} else {
		rep, err = compute(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Info("report abandoned by client", "endpoint", endpoint, "window", win.Label(), "error", err)
			return
		}
		log.Error("report failed", "endpoint", endpoint, "window", win.Label(), "error", err)
		h.writeError(w, http.StatusInternalServerError, apperrors.PublicMessage(err))
		return
	}

	if span := tracing.SpanFromContext(ctx); span != nil {
		span.SetRows(rep.Rows)
		span.SetAttr("cache_hit", cacheHit)
	}

	latencyMs := time.Since(start).Milliseconds()
	log.Info("report served",
		"endpoint", endpoint,
		"window", win.Label(),
		"rows", rep.Rows,
		"failed_sources", len(rep.Failed),
		"cache_hit", cacheHit,
		"latency_ms", latencyMs,
	)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ReportsTotal.WithLabelValues(endpoint, usage.WindowKind(win)).Inc()
		if !cacheHit {
			h.cfg.Metrics.ReportRows.WithLabelValues(endpoint).Observe(float64(rep.Rows))
		}
	}
	h.track(ctx, usage.ReportEvent{
		Endpoint:      endpoint,
		Window:        usage.WindowKind(win),
		Sources:       len(h.cfg.Sources),
		FailedSources: rep.Failed,
		Rows:          rep.Rows,
		LatencyMs:     latencyMs,
		CacheHit:      cacheHit,
		Status:        http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rep.Body); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}

func (h *Handler) track(ctx context.Context, event usage.ReportEvent) {
	if h.cfg.Usage == nil {
		return
	}
	event.Type = usage.EventReport
	event.RequestID = logger.RequestID(ctx)
	event.Timestamp = time.Now().UTC()
	h.cfg.Usage.Track(event)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func failedSources(errs []report.SourceError) []string {
	if len(errs) == 0 {
		return nil
	}
	names := make([]string, len(errs))
	for i, e := range errs {
		names[i] = e.Source
	}
	return names
}
