package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/storeinv/backoffice/internal/alerts"
	"github.com/storeinv/backoffice/internal/app"
	jobmetrics "github.com/storeinv/backoffice/internal/jobs"
	"github.com/storeinv/backoffice/internal/ledger"
	"github.com/storeinv/backoffice/internal/platform/db"
	"github.com/storeinv/backoffice/internal/shared"
	"github.com/storeinv/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)

	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	idempotencyStore := shared.NewIdempotencyStore(pool)
	ledgerService := ledger.NewService(ledger.NewRepository(pool, idempotencyStore), ledger.Dependencies{
		Audit:    shared.NewAuditLogger(pool),
		Notifier: jobClient,
		Logger:   logger,
	}, cfg.LedgerConfig())
	alertsService := alerts.NewService(alerts.NewRepository(pool), cfg.AlertsConfig(), logger)

	refreshJob := jobs.NewAlertsRefreshJob(alertsService, logger, metrics)
	sweepJob := jobs.NewExpirySweepJob(ledgerService, ledger.ExpiryPolicy(cfg.LedgerExpiryPolicy), logger, metrics)
	reconcileJob := jobs.NewReconcileJob(ledgerService, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotencyStore, cfg.IdempotencyRetention, logger, metrics)

	refreshAllTask, err := jobs.NewAlertsRefreshTask(0)
	if err != nil {
		logger.Error("build alerts refresh task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAlertsRefresh, Handler: refreshJob.Handle},
			{Type: jobs.TaskLedgerExpirySweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskLedgerReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "5 0 * * *", Task: jobs.NewExpirySweepTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/30 * * * *", Task: refreshAllTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "30 2 * * *", Task: jobs.NewReconcileTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := jobmetrics.NewServer(cfg.WorkerMetricsAddr, prometheus.DefaultGatherer)
	go func() {
		logger.Info("starting worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("worker metrics shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
