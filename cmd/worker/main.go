package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lumina-crm/lumina/internal/app"
	"github.com/lumina-crm/lumina/internal/billing"
	jobmetrics "github.com/lumina-crm/lumina/internal/jobs"
	"github.com/lumina-crm/lumina/internal/notify"
	"github.com/lumina-crm/lumina/internal/platform/cache"
	"github.com/lumina-crm/lumina/internal/platform/db"
	"github.com/lumina-crm/lumina/internal/shared"
	"github.com/lumina-crm/lumina/jobs"
)

func main() {
	runNow := flag.Bool("run-now", false, "enqueue one generation run and exit")
	asOf := flag.String("as-of", "", "run date override for -run-now (YYYY-MM-DD)")
	flag.Parse()

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

	if *runNow {
		if *asOf != "" {
			if _, err := time.Parse("2006-01-02", *asOf); err != nil {
				logger.Error("as-of must be YYYY-MM-DD", slog.String("value", *asOf))
				os.Exit(1)
			}
		}
		enqueueRun(ctx, logger, cfg.RedisAddr, *asOf)
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	activityLogger := shared.NewActivityLogger(pool)
	jobMetrics := jobmetrics.NewMetrics(nil)

	billingRepo := billing.NewRepository(pool)
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

	runJob := jobs.NewRecurringRunJob(runner, logger)

	runTask, err := jobs.NewRecurringRunTask(jobs.RecurringRunPayload{})
	if err != nil {
		logger.Error("build recurring run task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecurringRun, Handler: runJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 6 * * *", Task: runTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// enqueueRun submits one off-schedule generation run to the queue. The
// resident worker picks it up; the lock still protects against overlap with
// the cron or HTTP triggers.
func enqueueRun(ctx context.Context, logger *slog.Logger, redisAddr, asOf string) {
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	info, err := client.EnqueueRecurringRun(ctx, jobs.RecurringRunPayload{AsOf: asOf})
	if err != nil {
		logger.Error("enqueue run", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("run enqueued", slog.String("task_id", info.ID), slog.String("queue", info.Queue))
}
