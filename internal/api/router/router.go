// Package router wires up the report API routes and applies the middleware
// chain (RequestID → CORS → Metrics → RateLimit → Timeout).
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/handler"
	apimw "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/middleware"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/middleware"
)

// Options carries the collaborators of the router. Metrics, Limiter and a
// zero Timeout disable the corresponding middleware.
type Options struct {
	Token   string
	Health  *health.Checker
	Metrics *metrics.Metrics
	Limiter *ratelimit.Limiter
	Timeout time.Duration
}

// New builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	GET /api/v1/{token}/callstat     → combined extension report
//	GET /api/v1/{token}/asrstat      → per-source ASR report
//	GET /api/v1/{token}/cache/stats  → report cache counters
//	GET /health/live                 → liveness
//	GET /health/ready                → readiness of every source
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Metrics → RateLimit → Timeout → handler
func New(h *handler.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()
	authed := apimw.Token(opts.Token)

	mux.Handle("GET /api/v1/{token}/callstat", authed(http.HandlerFunc(h.CallStat)))
	mux.Handle("GET /api/v1/{token}/asrstat", authed(http.HandlerFunc(h.ASRStat)))
	mux.Handle("GET /api/v1/{token}/cache/stats", authed(http.HandlerFunc(h.CacheStats)))

	if opts.Health != nil {
		mux.HandleFunc("GET /health/live", opts.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", opts.Health.ReadyHandler())
	}

	// Applied inside-out:
	// request → RequestID → CORS → Metrics → RateLimit → Timeout → mux
	var chain http.Handler = mux
	if opts.Timeout > 0 {
		chain = pkgmw.Timeout(opts.Timeout)(chain)
	}
	if opts.Limiter != nil {
		chain = apimw.RateLimit(opts.Limiter)(chain)
	}
	if opts.Metrics != nil {
		chain = pkgmw.Metrics(opts.Metrics)(chain)
	}
	chain = apimw.CORS(apimw.DefaultCORSConfig())(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
