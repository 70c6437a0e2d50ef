package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumina-crm/lumina/internal/app"
	"github.com/lumina-crm/lumina/internal/billing"
	jobmetrics "github.com/lumina-crm/lumina/internal/jobs"
	"github.com/lumina-crm/lumina/internal/notify"
	"github.com/lumina-crm/lumina/internal/observability"
	"github.com/lumina-crm/lumina/internal/platform/cache"
	"github.com/lumina-crm/lumina/internal/platform/db"
	"github.com/lumina-crm/lumina/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "lumina_session", cfg.SessionTTL)
	activityLogger := shared.NewActivityLogger(dbpool)

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billingRepo, logger)
	projectionCache := billing.NewProjectionCache(redisClient, cfg.ProjectionCacheTTL)

	mailer := notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	notifier := notify.New(mailer, billingRepo, activityLogger, logger, cfg.NotifyTimeout)

	runLock := shared.NewRunLock(redisClient, shared.BillingRunLockKey(), cfg.RunLockTTL)
	runner := billing.NewRunner(billing.RunnerConfig{
		Repo:     billingRepo,
		Service:  billingService,
		Notifier: notifier,
		Lock:     runLock,
		Cache:    projectionCache,
		Logger:   logger,
		Metrics:  jobMetrics,
	})

	billingHandler := billing.NewHandler(logger, billingService, runner, billingRepo, projectionCache, cfg.CronSecret)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		BillingHandler: billingHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
