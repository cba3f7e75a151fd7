package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/traderdesk/traderdesk/internal/app"
	"github.com/traderdesk/traderdesk/internal/audit"
	audithttp "github.com/traderdesk/traderdesk/internal/audit/http"
	"github.com/traderdesk/traderdesk/internal/auth"
	"github.com/traderdesk/traderdesk/internal/billing"
	"github.com/traderdesk/traderdesk/internal/identity"
	"github.com/traderdesk/traderdesk/internal/notify"
	"github.com/traderdesk/traderdesk/internal/observability"
	"github.com/traderdesk/traderdesk/internal/platform/cache"
	"github.com/traderdesk/traderdesk/internal/platform/db"
	"github.com/traderdesk/traderdesk/internal/promos"
	"github.com/traderdesk/traderdesk/internal/rbac"
	"github.com/traderdesk/traderdesk/internal/tickets"
	"github.com/traderdesk/traderdesk/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	auditRecorder := audit.NewRecorder(pool)
	auditService := audit.NewService(audit.NewRepository(pool))

	rbacRepo := rbac.NewRepository(pool, auditRecorder)
	rbacCache := rbac.NewCache(redisClient, cfg.RBACCacheTTL)
	rbacService := rbac.NewService(rbacRepo, rbacCache, logger)
	gate := rbac.Middleware{Service: rbacService, Logger: logger}

	identityRepo := identity.NewRepository(pool)
	identityService := identity.NewService(identityRepo, identity.ServiceConfig{
		MaxLoginFailures: cfg.MaxLoginFailures,
		LockoutDuration:  cfg.LockoutDuration,
	})

	tokenManager, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		logger.Error("init token manager", slog.Any("error", err))
		os.Exit(1)
	}

	velocity := billing.NewVelocity(redisClient, billing.VelocityConfig{
		Window:    cfg.VelocityWindow,
		Threshold: cfg.VelocityThreshold,
	})

	metrics := observability.NewMetrics()

	authService := auth.NewService(identityService, rbacService, auditRecorder, tokenManager, velocity, auth.ServiceConfig{
		AutoPromote: cfg.AutoPromote,
	}, logger)
	authService.SetFailureCounter(metrics.CountAuthFailure)
	authHandler := auth.NewHandler(logger, authService, cfg.CookieDomain, cfg.IsProduction())

	identityHandler := identity.NewHandler(logger, identityService, auditRecorder, gate)
	rolesHandler := rbac.NewRolesHandler(logger, rbacService, gate)
	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacService, gate)
	assignmentsHandler := rbac.NewAssignmentsHandler(logger, rbacService, gate)
	auditHandler := audithttp.NewHandler(logger, auditService, gate)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	ticketService := tickets.NewService(tickets.NewRepository(pool), auditRecorder, logger)
	ticketService.SetMailer(jobClient)
	ticketsHandler := tickets.NewHandler(logger, ticketService, gate)

	promoService := promos.NewService(promos.NewRepository(pool), auditRecorder, logger)
	promosHandler := promos.NewHandler(logger, promoService, gate)

	billingService := billing.NewService(billing.NewRepository(pool, auditRecorder), auditRecorder, velocity, logger)
	billingHandler := billing.NewHandler(logger, billingService, gate, cfg.BillingWebhookSecret)

	hub := notify.NewHub(logger)
	bridge := notify.NewBridge(redisClient, hub, logger)
	notifyHandler := notify.NewHandler(logger, hub, bridge, gate)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("notify bridge stopped", slog.Any("error", err))
		}
	}()
	go notifyHandler.RunPruner(ctx, time.Minute, cfg.NotifyIdleTimeout)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, gate, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		AuthService:        authService,
		AuthHandler:        authHandler,
		IdentityHandler:    identityHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permissionsHandler,
		AssignmentsHandler: assignmentsHandler,
		AuditHandler:       auditHandler,
		TicketsHandler:     ticketsHandler,
		PromosHandler:      promosHandler,
		BillingHandler:     billingHandler,
		NotifyHandler:      notifyHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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
