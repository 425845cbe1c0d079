package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/aidflow/aidflow/internal/app"
	jobmetrics "github.com/aidflow/aidflow/internal/jobs"
	"github.com/aidflow/aidflow/internal/notify"
	"github.com/aidflow/aidflow/internal/observability"
	"github.com/aidflow/aidflow/internal/platform/cache"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/jobs"
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

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := cfg.Redis().Asynq()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(app.ServiceDeps{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Redis:       redisClient,
		Notifier:    jobClient.Notifier(),
		Events:      jobClient,
		Transitions: metrics,
	})
	runMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	deliverer := notify.NewDeliverer(notify.NewStore(pool), services.Directory, logger)
	recompute := jobs.NewColaRecomputeJob(services.AidRequests, logger, runMetrics)
	cleanup := jobs.NewIdempotencyCleanupJob(services.Idempotency, cfg.IdempotencyRetention, logger, runMetrics)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotifyDeliver, Handler: deliverer.HandleTask},
			{Type: jobs.TaskColaRecompute, Handler: recompute.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanup.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
