// Command usage starts the standalone usage aggregation service.
//
// It consumes report usage events from Kafka, aggregates them in memory
// (requests per endpoint and window, latency percentiles, cache hit rate,
// failed sources), snapshots the totals to PostgreSQL and exposes them at
// GET /usage and GET /usage/history.
//
// Usage:
//
//	go run ./cmd/usage [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/usage"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/usage/store"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting usage service", "port", cfg.Usage.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(cfg.Usage.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	snapshots := store.New(db.DB)
	if err := snapshots.EnsureSchema(ctx); err != nil {
		slog.Error("failed to prepare snapshot schema", "error", err)
		os.Exit(1)
	}

	agg := usage.NewAggregator()
	latest, err := snapshots.LatestSnapshot(ctx)
	switch {
	case err != nil:
		slog.Warn("could not load last snapshot, starting from zero", "error", err)
	case latest != nil:
		agg.Restore(*latest)
		slog.Info("snapshot loaded", "total_reports", latest.TotalReports)
	}

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.UsageTopic, usage.HandleEvent(agg))
	defer consumer.Close()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("usage consumer error", "error", err)
		}
	}()
	slog.Info("usage consumer started", "topic", cfg.Kafka.UsageTopic, "group", cfg.Kafka.ConsumerGroup)

	saved := snapshots.StartPeriodicSave(ctx, agg, cfg.Usage.SnapshotInterval)

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.Ping))

	h := usage.NewHandler(agg, snapshots)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage", h.Stats)
	mux.HandleFunc("GET /usage/history", h.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Usage.Port),
		Handler:      chain,
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

	slog.Info("usage service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	stop()
	<-saved
	slog.Info("usage service stopped")
}
