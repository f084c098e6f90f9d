package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/app/snapshotter"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/platform/dbpool"
	"github.com/famlist/project/internal/platform/env"
	"github.com/famlist/project/internal/platform/metrics"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	metricsAddr := env.String("METRICS_ADDR", env.DefaultMetricsAddr)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	if err := waitForPostgres(runCtx, logger, pool, 30*time.Second); err != nil {
		logger.WithError(err).Fatal("postgres readiness")
	}

	events := eventstore.NewEventLog(pool)
	snapshots := eventstore.NewSnapshotStore(pool)
	rebuilder := eventstore.NewRebuilder(events, snapshots, logger)

	service := snapshotter.NewService(snapshots, rebuilder, logger)
	service.MaxAge = env.Duration("SNAPSHOT_MAX_AGE", service.MaxAge)
	service.Interval = env.Duration("SNAPSHOT_SWEEP_INTERVAL", service.Interval)
	service.BatchSize = env.Int("SNAPSHOT_BATCH_SIZE", service.BatchSize)

	go runMetricsServer(logger, metricsAddr)

	logger.WithFields(logrus.Fields{
		"max_age":  service.MaxAge.String(),
		"interval": service.Interval.String(),
	}).Info("snapshot manager sweeping")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("snapshot sweep loop failed")
	}
}

func waitForPostgres(ctx context.Context, logger logrus.FieldLogger, pool *pgxpool.Pool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = eventstore.EnsureSchema(attemptCtx, pool)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		logger.WithError(lastErr).Info("waiting for postgres readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func runMetricsServer(logger logrus.FieldLogger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.WithField("addr", addr).Info("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("metrics server failed")
	}
}
