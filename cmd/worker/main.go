package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/clearcomply/clearcomply/internal/app"
	"github.com/clearcomply/clearcomply/internal/authz"
	"github.com/clearcomply/clearcomply/internal/memberships"
	"github.com/clearcomply/clearcomply/internal/platform/cache"
	"github.com/clearcomply/clearcomply/internal/platform/db"
	"github.com/clearcomply/clearcomply/internal/shared"
	"github.com/clearcomply/clearcomply/jobs"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)

	authzRepo := authz.NewRepository(pool)
	permissionCache := authz.NewRedisPermissionCache(redisClient)
	authzService := authz.NewService(authzRepo, permissionCache, authz.ServiceOptions{
		CacheTTL: cfg.PermissionCacheTTL,
		Logger:   logger,
	})

	membershipsRepo := memberships.NewRepository(pool)
	membershipsService := memberships.NewService(membershipsRepo, authzService, nil, auditLogger, memberships.ServiceOptions{
		ResendCooldown: cfg.InviteResendCooldown,
		Logger:         logger,
	})

	backfillTask, err := jobs.NewLegacyBackfillTask(jobs.LegacyBackfillPayload{})
	if err != nil {
		logger.Error("build backfill task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeLegacyBackfill, Handler: jobs.NewLegacyBackfillHandler(membershipsService, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 1 * * *", Task: backfillTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
