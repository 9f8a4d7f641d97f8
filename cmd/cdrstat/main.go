// Command cdrstat serves the CDR reporting API.
//
// It queries every configured Asterisk CDR database in parallel and exposes
// the combined per-extension report at GET /api/v1/{token}/callstat and the
// per-database ASR report at GET /api/v1/{token}/asrstat.
//
// Usage:
//
//	go run ./cmd/cdrstat [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/api/router"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/aggregator"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/asr"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/cache"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/usage"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting cdr stats api", "port", cfg.Server.Port, "sources", len(cfg.Sources))

	loc, err := cfg.Report.TimeLocation()
	if err != nil {
		slog.Error("invalid report location", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, m)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}

	sources, err := openSources(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to open sources", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := source.CloseAll(sources); err != nil {
			slog.Error("closing sources", "error", err)
		}
	}()
	slog.Info("sources ready", "names", source.Names(sources))

	var reportCache *cache.ReportCache
	var redisClient *pkgredis.Client
	if cfg.Cache.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, report caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			reportCache = cache.New(redisClient, cfg.Cache.TTL)
			slog.Info("report cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Cache.TTL)
		}
	}

	var tracker handler.Tracker
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.UsageTopic)
		collector := usage.NewCollector(producer, cfg.Kafka, m)
		collector.Start(ctx)
		defer func() {
			collector.Close()
			producer.Close()
		}()
		tracker = collector
		slog.Info("usage collector started", "topic", cfg.Kafka.UsageTopic)
	}

	classifier, err := asr.NewClassifier(cfg.Report.InternationalPrefixes)
	if err != nil {
		slog.Error("failed to load country table", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker()
	for _, s := range sources {
		checker.Register("source:"+s.Name(), health.PingCheck(s.Ping))
	}
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerWindow > 0 {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)
		defer limiter.Close()
	}

	h := handler.New(handler.Config{
		Sources:    sources,
		Aggregator: aggregator.New(cfg.Report.Parallelism),
		ASR:        asr.NewBuilder(classifier, cfg.Report.Parallelism),
		Location:   loc,
		Cache:      reportCache,
		Usage:      tracker,
		Metrics:    m,
		Tracing:    cfg.Tracing.Enabled,
	})

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.New(h, router.Options{
			Token:   cfg.Auth.Token,
			Health:  checker,
			Metrics: m,
			Limiter: limiter,
			Timeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("cdr stats api listening", "addr", server.Addr, "location", loc.String())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("cdr stats api stopped")
}

// openSources opens every configured database behind a timeout and circuit
// breaker. An unreachable database is logged and kept: its requests fail
// per source until it comes back.
func openSources(ctx context.Context, cfg *config.Config, m *metrics.Metrics) ([]source.Source, error) {
	sources := make([]source.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		raw, err := source.Open(sc)
		if err != nil {
			source.CloseAll(sources)
			return nil, err
		}

		err = resilience.Retry(ctx, "connect "+sc.Name, resilience.RetryConfig{
			MaxAttempts: cfg.Report.ConnectAttempts,
			Retryable:   resilience.IsFailure,
		}, raw.Ping)
		if err != nil {
			slog.Warn("source unreachable at startup", "source", sc.Name, "driver", sc.Driver, "error", err)
		} else {
			slog.Info("source connected", "source", sc.Name, "driver", sc.Driver)
		}

		breaker := resilience.NewCircuitBreaker(sc.Name, resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Report.CircuitFailures,
			ResetTimeout:     cfg.Report.CircuitResetTimeout,
			OnStateChange:    m.SetBreakerState,
		})
		sources = append(sources, source.NewGuarded(raw, sc.QueryTimeout, breaker, m))
	}
	return sources, nil
}
