package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/app/commandapi"
	"github.com/famlist/project/internal/app/identity"
	"github.com/famlist/project/internal/app/query"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/platform/dbpool"
	"github.com/famlist/project/internal/platform/env"
	"github.com/famlist/project/internal/platform/metrics"
	"github.com/famlist/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	commandAddr := env.String("COMMAND_API_ADDR", env.DefaultCommandAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8081")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	redisAddr := env.String("REDIS_ADDR", env.DefaultRedisAddr)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForSchemas(runCtx, logger, pool, identityRepo, 30*time.Second); err != nil {
		logger.WithError(err).Fatal("schema readiness")
	}
	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		logger.WithError(err).Fatal("connect jetstream")
	}
	defer client.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	events := eventstore.NewEventLog(pool)
	projections := eventstore.NewProjectionStore(pool)
	snapshots := eventstore.NewSnapshotStore(pool)
	locker := eventstore.NewLocker(events, projections, logger)
	rebuilder := eventstore.NewRebuilder(events, snapshots, logger)

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	commandSvc := commandapi.NewService(locker, rebuilder, projections, publisher.Publish, logger)
	querySvc := query.NewService(projections, query.NewActiveCache(rdb), logger)
	handler := commandapi.NewHandler(commandSvc, identitySvc, querySvc, uiOrigin)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              commandAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.WithField("addr", commandAddr).Info("command API listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.WithError(err).Fatal("command API server failed")
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

// waitForSchemas blocks until both the identity and the event store schemas
// are in place, so a cold start against a fresh database comes up clean.
func waitForSchemas(ctx context.Context, logger logrus.FieldLogger, pool *pgxpool.Pool, repo *identity.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		if lastErr == nil {
			lastErr = eventstore.EnsureSchema(attemptCtx, pool)
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.WithError(lastErr).Info("waiting for schema readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

// Redis is deliberately absent here: the read path degrades to postgres when
// the cache is down, so a cache outage must not fail readiness.
func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
