package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/aggregator"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/asr"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source/sourcetest"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/middleware"
)

const testToken = "s3cret"

func newRouter(t *testing.T, sources []source.Source, opts Options) (http.Handler, *metrics.Metrics) {
	t.Helper()
	return newRouterWithParallelism(t, sources, 0, opts)
}

func newRouterWithParallelism(t *testing.T, sources []source.Source, parallelism int, opts Options) (http.Handler, *metrics.Metrics) {
	t.Helper()
	classifier, err := asr.NewClassifier(nil)
	require.NoError(t, err)
	h := handler.New(handler.Config{
		Sources:    sources,
		Aggregator: aggregator.New(parallelism),
		ASR:        asr.NewBuilder(classifier, parallelism),
		Location:   time.UTC,
		Now:        func() time.Time { return time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC) },
	})

	checker := health.NewChecker()
	for _, s := range sources {
		checker.Register("source:"+s.Name(), health.PingCheck(s.Ping))
	}
	m := metrics.New(nil)
	opts.Token = testToken
	opts.Health = checker
	opts.Metrics = m
	return New(h, opts), m
}

func fakeSource(name string) *sourcetest.Fake {
	return &sourcetest.Fake{
		SourceName: name,
		Rows:       []report.ExtensionStat{sourcetest.Active(2001, "Alice", 1, 2)},
		Roster:     []report.RosterEntry{{Extension: 2001, Name: "Alice"}},
	}
}

func do(r http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestInvalidTokenIsRejectedBeforeQueryValidation(t *testing.T) {
	src := fakeSource("pbx")
	r, _ := newRouter(t, []source.Source{src}, Options{})

	for _, target := range []string{
		"/api/v1/wrong/callstat?date=2024-05-10",
		"/api/v1/wrong/callstat?date=garbage",
		"/api/v1/wrong/asrstat",
		"/api/v1/wrong/cache/stats",
	} {
		rec := do(r, http.MethodGet, target)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.JSONEq(t, `{"error":"Invalid token"}`, rec.Body.String(), target)
	}
	assert.Zero(t, src.Calls())
}

func TestValidTokenServesReports(t *testing.T) {
	r, _ := newRouter(t, []source.Source{fakeSource("pbx")}, Options{})

	rec := do(r, http.MethodGet, "/api/v1/"+testToken+"/callstat?date=2024-05-10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(pkgmw.RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["data"], 1)

	rec = do(r, http.MethodGet, "/api/v1/"+testToken+"/asrstat?date=week")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"databases"`)
}

func TestOnlyGETIsRouted(t *testing.T) {
	r, _ := newRouter(t, nil, Options{})
	rec := do(r, http.MethodPost, "/api/v1/"+testToken+"/callstat")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthReflectsSources(t *testing.T) {
	up := fakeSource("up")
	down := &sourcetest.Fake{SourceName: "down", Err: errors.New("dial tcp: refused")}

	r, _ := newRouter(t, []source.Source{up, down}, Options{})
	rec := do(r, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)

	r, _ = newRouter(t, []source.Source{down}, Options{})
	rec = do(r, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(r, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitExemptsHealth(t *testing.T) {
	limiter := ratelimit.New(1, time.Minute)
	t.Cleanup(limiter.Close)
	r, _ := newRouter(t, []source.Source{fakeSource("pbx")}, Options{Limiter: limiter})

	target := "/api/v1/" + testToken + "/callstat?date=2024-05-10"
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, target).Code)
	rec := do(r, http.MethodGet, target)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health/live").Code)
}

func TestSlowSourcesFailIndividuallyBeforeRequestTimeout(t *testing.T) {
	var sources []source.Source
	for _, name := range []string{"pbx1", "pbx2", "pbx3"} {
		slow := fakeSource(name)
		slow.Delay = 80 * time.Millisecond
		sources = append(sources, source.NewGuarded(slow, time.Second, nil, nil))
	}
	r, _ := newRouter(t, sources, Options{Timeout: 50 * time.Millisecond})

	for _, endpoint := range []string{"callstat", "asrstat"} {
		rec := do(r, http.MethodGet, "/api/v1/"+testToken+"/"+endpoint+"?date=2024-05-01")
		require.Equal(t, http.StatusOK, rec.Code, endpoint)
		body := rec.Body.String()
		for _, name := range []string{"pbx1", "pbx2", "pbx3"} {
			assert.Contains(t, body, name, endpoint)
		}
		assert.Contains(t, body, "request deadline reached", endpoint)
	}
}

func TestQueuedSourcesPastTheDeadlineAreReportedNotDropped(t *testing.T) {
	var sources []source.Source
	for _, name := range []string{"pbx1", "pbx2", "pbx3"} {
		src := fakeSource(name)
		src.Delay = 30 * time.Millisecond
		sources = append(sources, source.NewGuarded(src, time.Second, nil, nil))
	}
	// Each source answers well inside its own timeout, but run one at a
	// time they need longer than the request is allowed.
	r, _ := newRouterWithParallelism(t, sources, 1, Options{Timeout: 100 * time.Millisecond})

	rec := do(r, http.MethodGet, "/api/v1/"+testToken+"/callstat?date=2024-05-01")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data   []map[string]any `json:"data"`
		Errors []struct {
			Source string `json:"source"`
			Error  string `json:"error"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 1)
	require.NotEmpty(t, body.Errors)
	last := body.Errors[len(body.Errors)-1]
	assert.Equal(t, "pbx3", last.Source)
	assert.Contains(t, last.Error, "request deadline reached")
}

func TestMetricsNeverLabelTheToken(t *testing.T) {
	r, m := newRouter(t, []source.Source{fakeSource("pbx")}, Options{})
	do(r, http.MethodGet, "/api/v1/"+testToken+"/callstat?date=2024-05-10")
	do(r, http.MethodGet, "/api/v1/guess/callstat")

	scrape := do(m.Handler(), http.MethodGet, "/metrics")
	body := scrape.Body.String()
	assert.Contains(t, body, `http_requests_total{method="GET",path="/api/v1/{token}/callstat"`)
	assert.False(t, strings.Contains(body, testToken))
	assert.False(t, strings.Contains(body, "guess"))
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newRouter(t, nil, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/"+testToken+"/callstat", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
