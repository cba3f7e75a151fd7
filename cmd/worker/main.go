package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/traderdesk/traderdesk/internal/app"
	"github.com/traderdesk/traderdesk/internal/audit"
	"github.com/traderdesk/traderdesk/internal/billing"
	jobmetrics "github.com/traderdesk/traderdesk/internal/jobs"
	"github.com/traderdesk/traderdesk/internal/platform/cache"
	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/jobs"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	auditRecorder := audit.NewRecorder(pool)
	rbacRepo := rbac.NewRepository(pool, auditRecorder)
	rbacCache := rbac.NewCache(redisClient, cfg.RBACCacheTTL)
	rbacService := rbac.NewService(rbacRepo, rbacCache, logger)

	velocity := billing.NewVelocity(redisClient, billing.VelocityConfig{
		Window:    cfg.VelocityWindow,
		Threshold: cfg.VelocityThreshold,
	})
	billingService := billing.NewService(billing.NewRepository(pool, auditRecorder), auditRecorder, velocity, logger)

	sweepJob := jobs.NewAssignmentSweepJob(rbacService, logger, metrics)
	retentionJob := jobs.NewAuditRetentionJob(auditRecorder, logger, metrics)
	purgeJob := jobs.NewBillingEventPurgeJob(billingService, logger, metrics)

	sweepTask, err := jobs.NewAssignmentSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	retentionTask, err := jobs.NewAuditRetentionTask(jobs.AuditRetentionPayload{RetentionDays: cfg.AuditRetentionDays})
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}
	purgeTask, err := jobs.NewBillingEventPurgeTask(jobs.BillingEventPurgePayload{RetentionDays: 30})
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAssignmentSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskAuditRetention, Handler: retentionJob.Handle},
			{Type: jobs.TaskBillingEventPurge, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 2 * * *", Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
