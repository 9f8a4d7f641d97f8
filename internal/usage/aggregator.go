package usage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/kafka"
)

// maxLatencies bounds the latency sample used for percentiles.
const maxLatencies = 10000

type Stats struct {
	TotalReports     int64            `json:"total_reports"`
	ByEndpoint       map[string]int64 `json:"by_endpoint"`
	ByWindow         map[string]int64 `json:"by_window"`
	ByStatus         map[string]int64 `json:"by_status"`
	SourceFailures   map[string]int64 `json:"source_failures"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	InvalidEvents    int64            `json:"invalid_events"`
	AvgLatencyMs     float64          `json:"avg_latency_ms"`
	P50LatencyMs     int64            `json:"p50_latency_ms"`
	P95LatencyMs     int64            `json:"p95_latency_ms"`
	P99LatencyMs     int64            `json:"p99_latency_ms"`
	ReportsPerMinute float64          `json:"reports_per_minute"`
	Since            time.Time        `json:"since"`
}

// Aggregator accumulates ReportEvents in memory.
type Aggregator struct {
	mu             sync.RWMutex
	total          int64
	byEndpoint     map[string]int64
	byWindow       map[string]int64
	byStatus       map[string]int64
	sourceFailures map[string]int64
	cacheHits      int64
	cacheMisses    int64
	invalid        int64
	latencies      []int64
	next           int
	startTime      time.Time

	logger *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		byEndpoint:     make(map[string]int64),
		byWindow:       make(map[string]int64),
		byStatus:       make(map[string]int64),
		sourceFailures: make(map[string]int64),
		latencies:      make([]int64, 0, 1024),
		startTime:      time.Now(),
		logger:         slog.Default().With("component", "usage-aggregator"),
	}
}

// HandleEvent decodes usage events from Kafka into agg. Undecodable
// messages are counted and reported as kafka.ErrMalformed so the consumer
// commits past them.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ReportEvent](value)
		if err == nil && event.Type != EventReport {
			err = fmt.Errorf("%w: unexpected event type %q", kafka.ErrMalformed, event.Type)
		}
		if err != nil {
			agg.recordInvalid()
			return err
		}
		agg.Record(event)
		return nil
	}
}

// Record adds one served report.
func (a *Aggregator) Record(event ReportEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byEndpoint[event.Endpoint]++
	a.byWindow[event.Window]++
	a.byStatus[statusClass(event.Status)]++
	for _, src := range event.FailedSources {
		a.sourceFailures[src]++
	}
	if event.CacheHit {
		a.cacheHits++
	} else {
		a.cacheMisses++
	}

	if len(a.latencies) < maxLatencies {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % maxLatencies
	}
}

func (a *Aggregator) recordInvalid() {
	a.mu.Lock()
	a.invalid++
	a.mu.Unlock()
}

// Restore seeds the counters from a persisted snapshot so totals survive a
// restart. Latency percentiles are not restored.
func (a *Aggregator) Restore(s Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += s.TotalReports
	a.cacheHits += s.CacheHits
	a.cacheMisses += s.CacheMisses
	a.invalid += s.InvalidEvents
	addCounts(a.byEndpoint, s.ByEndpoint)
	addCounts(a.byWindow, s.ByWindow)
	addCounts(a.byStatus, s.ByStatus)
	addCounts(a.sourceFailures, s.SourceFailures)
	if !s.Since.IsZero() && s.Since.Before(a.startTime) {
		a.startTime = s.Since
	}
	a.logger.Info("usage counters restored", "total_reports", a.total, "since", a.startTime)
}

func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{
		TotalReports:   a.total,
		ByEndpoint:     maps.Clone(a.byEndpoint),
		ByWindow:       maps.Clone(a.byWindow),
		ByStatus:       maps.Clone(a.byStatus),
		SourceFailures: maps.Clone(a.sourceFailures),
		CacheHits:      a.cacheHits,
		CacheMisses:    a.cacheMisses,
		InvalidEvents:  a.invalid,
		Since:          a.startTime,
	}
	if len(a.latencies) > 0 {
		sorted := slices.Clone(a.latencies)
		slices.Sort(sorted)

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.ReportsPerMinute = float64(stats.TotalReports) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	default:
		return "other"
	}
}

func addCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
