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
	"golang.org/x/sync/errgroup"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/app"
	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/audit"
	"github.com/aidflow/aidflow/internal/auth"
	"github.com/aidflow/aidflow/internal/cola"
	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/liquidation"
	"github.com/aidflow/aidflow/internal/observability"
	"github.com/aidflow/aidflow/internal/platform/cache"
	"github.com/aidflow/aidflow/internal/platform/db"
	"github.com/aidflow/aidflow/internal/subscription"
	"github.com/aidflow/aidflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
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

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTokenTTL)
	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Tokens:              tokens,
		Metrics:             metrics,
		AuthHandler:         auth.NewHandler(logger, auth.NewService(auth.NewRepository(pool), tokens)),
		EnrollmentHandler:   enrollment.NewHandler(logger, services.Enrollment),
		AttendanceHandler:   attendance.NewHandler(logger, services.Attendance),
		ColaHandler:         cola.NewHandler(logger, services.Cola),
		FundsHandler:        funds.NewHandler(logger, services.Funds),
		AidRequestHandler:   aidrequest.NewHandler(logger, services.AidRequests, services.Approvals),
		DisbursementHandler: disbursement.NewHandler(logger, services.Disbursement),
		LiquidationHandler:  liquidation.NewHandler(logger, services.Liquidation),
		PaymentHandler:      subscription.NewHandler(logger, services.Payments, subscription.NewSigner(cfg.PaymentWebhookSecret)),
		JobHandler:          jobs.NewHandler(inspector, logger),
		AuditHandler:        audit.NewHandler(logger, services.Audit),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
