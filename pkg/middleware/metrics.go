// Package middleware provides reusable HTTP middleware for request IDs,
// Prometheus metrics, and request timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
)

// Path label values are limited to the routes the services expose; anything
// else is folded into one bucket so scanners cannot grow the series count.
var knownPaths = map[string]bool{
	"/health/live":   true,
	"/health/ready":  true,
	"/metrics":       true,
	"/usage":         true,
	"/usage/history": true,
}

var knownReportTails = map[string]bool{
	"":            true,
	"callstat":    true,
	"asrstat":     true,
	"cache/stats": true,
}

const otherPath = "other"

// Metrics counts requests by method, route and status, observes their
// latency and tracks how many are in flight.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			rec := &recorder{ResponseWriter: w}
			began := time.Now()
			defer func() {
				m.HTTPRequestsInFlight.Dec()
				route := normalizePath(r.URL.Path)
				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code())).Inc()
				m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(began).Seconds())
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// recorder remembers the first status code written through it.
type recorder struct {
	http.ResponseWriter
	status int
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *recorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *recorder) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// normalizePath maps a request path to its label value. The token segment
// of /api/v1/{token}/... never appears in the result.
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/")
	if !ok {
		if knownPaths[path] {
			return path
		}
		return otherPath
	}
	_, tail, found := strings.Cut(rest, "/")
	if !found {
		return "/api/v1/{token}"
	}
	if !knownReportTails[tail] {
		return "/api/v1/{token}/" + otherPath
	}
	return "/api/v1/{token}/" + tail
}
