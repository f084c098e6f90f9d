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
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/famlist/project/internal/app/eventproc"
	"github.com/famlist/project/internal/app/query"
	"github.com/famlist/project/internal/eventstore"
	"github.com/famlist/project/internal/platform/dbpool"
	"github.com/famlist/project/internal/platform/env"
	"github.com/famlist/project/internal/platform/metrics"
	"github.com/famlist/project/internal/platform/natsutil"
)

const consumerQueue = "event-processor"

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	redisAddr := env.String("REDIS_ADDR", env.DefaultRedisAddr)
	metricsAddr := env.String("METRICS_ADDR", env.DefaultMetricsAddr)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	if err := waitForPostgres(runCtx, logger, pool, 30*time.Second); err != nil {
		logger.WithError(err).Fatal("postgres readiness")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	events := eventstore.NewEventLog(pool)
	projections := eventstore.NewProjectionStore(pool)
	snapshots := eventstore.NewSnapshotStore(pool)
	rebuilder := eventstore.NewRebuilder(events, snapshots, logger)
	refresher := query.NewService(projections, query.NewActiveCache(rdb), logger)
	service := eventproc.NewService(projections, rebuilder, refresher, logger)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		logger.WithError(err).Fatal("connect jetstream")
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe("todo.event.>", consumerQueue, func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()

		if err := service.Handle(handleCtx, msg.Subject, msg.Data); err != nil {
			if eventproc.Terminal(err) {
				logger.WithError(err).WithField("subject", msg.Subject).Warn("discarding undeliverable event")
				_ = msg.Term()
				return
			}
			logger.WithError(err).WithField("subject", msg.Subject).Info("projection fold failed, requesting redelivery")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		logger.WithError(err).Fatal("subscribe to change feed")
	}

	go runMetricsServer(logger, metricsAddr)

	logger.WithField("subject", sub.Subject).Info("event processor consuming")
	<-runCtx.Done()

	if err := sub.Drain(); err != nil {
		logger.WithError(err).Error("drain subscription failed")
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
