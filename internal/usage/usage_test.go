package usage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/kafka"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (p *fakePublisher) events() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []kafka.Event
	for _, b := range p.batches {
		all = append(all, b...)
	}
	return all
}

func TestWindowKind(t *testing.T) {
	assert.Equal(t, WindowWeek, WindowKind(window.Window{Period: window.PeriodWeek}))
	assert.Equal(t, WindowMonth, WindowKind(window.Window{Period: window.PeriodMonth}))
	assert.Equal(t, WindowRange, WindowKind(window.Window{Ranged: true}))
	assert.Equal(t, WindowDay, WindowKind(window.Window{}))
}

func TestCollectorPublishesOnBatchSizeAndClose(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.KafkaConfig{BufferSize: 10, BatchSize: 2, FlushInterval: time.Hour}, nil)
	c.Start(context.Background())

	c.Track(ReportEvent{Endpoint: "callstat"})
	c.Track(ReportEvent{Endpoint: "asrstat"})
	c.Track(ReportEvent{Endpoint: "callstat"})
	c.Close()

	events := pub.events()
	require.Len(t, events, 3)
	assert.Equal(t, "callstat", events[0].Key)
	assert.Equal(t, EventReport, events[0].Value.(ReportEvent).Type)

	// Tracking after Close is a no-op.
	c.Track(ReportEvent{Endpoint: "callstat"})
	c.Close()
}

func TestCollectorFlushesOnContextCancel(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.KafkaConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(ReportEvent{Endpoint: "callstat"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Close()

	assert.Len(t, pub.events(), 1)
}

func TestCollectorDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.KafkaConfig{BufferSize: 1}, nil)
	c.Track(ReportEvent{Endpoint: "a"})
	c.Track(ReportEvent{Endpoint: "b"})
	c.Start(context.Background())
	c.Close()

	events := pub.events()
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Key)
}

func TestCollectorPublishFailureDoesNotBlock(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, config.KafkaConfig{BatchSize: 1}, nil)
	c.Start(context.Background())
	c.Track(ReportEvent{Endpoint: "callstat"})
	c.Close()
	assert.Empty(t, pub.events())
}

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(ReportEvent{Type: EventReport, Endpoint: "callstat", Window: WindowWeek, Status: 200, LatencyMs: 10, CacheHit: true})
	agg.Record(ReportEvent{Type: EventReport, Endpoint: "callstat", Window: WindowDay, Status: 200, LatencyMs: 30, FailedSources: []string{"pbx2"}})
	agg.Record(ReportEvent{Type: EventReport, Endpoint: "asrstat", Window: WindowDay, Status: 400, LatencyMs: 20})

	s := agg.Stats()
	assert.EqualValues(t, 3, s.TotalReports)
	assert.Equal(t, map[string]int64{"callstat": 2, "asrstat": 1}, s.ByEndpoint)
	assert.Equal(t, map[string]int64{WindowWeek: 1, WindowDay: 2}, s.ByWindow)
	assert.Equal(t, map[string]int64{"2xx": 2, "4xx": 1}, s.ByStatus)
	assert.Equal(t, map[string]int64{"pbx2": 1}, s.SourceFailures)
	assert.EqualValues(t, 1, s.CacheHits)
	assert.EqualValues(t, 2, s.CacheMisses)
	assert.Equal(t, 20.0, s.AvgLatencyMs)
	assert.EqualValues(t, 20, s.P50LatencyMs)
	assert.EqualValues(t, 30, s.P99LatencyMs)
}

func TestAggregatorRestore(t *testing.T) {
	agg := NewAggregator()
	since := time.Now().Add(-time.Hour)
	agg.Restore(Stats{TotalReports: 5, ByEndpoint: map[string]int64{"callstat": 5}, Since: since})
	agg.Record(ReportEvent{Endpoint: "callstat", Status: 200})

	s := agg.Stats()
	assert.EqualValues(t, 6, s.TotalReports)
	assert.EqualValues(t, 6, s.ByEndpoint["callstat"])
	assert.True(t, s.Since.Equal(since))
}

func TestHandleEvent(t *testing.T) {
	agg := NewAggregator()
	h := HandleEvent(agg)

	body, err := json.Marshal(ReportEvent{Type: EventReport, Endpoint: "asrstat", Status: 200})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), []byte("asrstat"), body))
	assert.ErrorIs(t, h(context.Background(), nil, []byte("garbage")), kafka.ErrMalformed)
	assert.ErrorIs(t, h(context.Background(), nil, []byte(`{"type":"other"}`)), kafka.ErrMalformed)

	s := agg.Stats()
	assert.EqualValues(t, 1, s.TotalReports)
	assert.EqualValues(t, 2, s.InvalidEvents)
}

type fakeLister struct {
	snaps []Stats
	limit int
}

func (f *fakeLister) ListSnapshots(_ context.Context, limit int) ([]Stats, error) {
	f.limit = limit
	return f.snaps, nil
}

func TestHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Record(ReportEvent{Endpoint: "callstat", Status: 200})
	lister := &fakeLister{snaps: []Stats{{TotalReports: 1}}}
	h := NewHandler(agg, lister)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var s Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	assert.EqualValues(t, 1, s.TotalReports)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/usage/history?limit=500", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, lister.limit)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/usage/history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(agg, nil).History(rec, httptest.NewRequest(http.MethodGet, "/usage/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
