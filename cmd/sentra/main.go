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

	"github.com/sentra-authz/sentra/internal/app"
	"github.com/sentra-authz/sentra/internal/audit"
	audithttp "github.com/sentra-authz/sentra/internal/audit/http"
	"github.com/sentra-authz/sentra/internal/catalog"
	"github.com/sentra-authz/sentra/internal/engine"
	enginehttp "github.com/sentra-authz/sentra/internal/engine/http"
	"github.com/sentra-authz/sentra/internal/evaluator"
	"github.com/sentra-authz/sentra/internal/grants"
	grantshttp "github.com/sentra-authz/sentra/internal/grants/http"
	"github.com/sentra-authz/sentra/internal/hierarchy"
	"github.com/sentra-authz/sentra/internal/observability"
	"github.com/sentra-authz/sentra/internal/platform/cache"
	"github.com/sentra-authz/sentra/internal/platform/db"
	"github.com/sentra-authz/sentra/internal/registry"
	"github.com/sentra-authz/sentra/internal/roles"
	"github.com/sentra-authz/sentra/jobs"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	cat := catalog.New()
	if err := catalog.LoadPostgres(ctx, pool, cat); err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	grantStore := grants.NewPostgres(pool)
	resolver := hierarchy.NewResolver(grantStore, cfg.MaxHierarchyDepth)
	collector := grants.NewCollector(grantStore, resolver, nil)
	snapshots := grants.NewCache(redisClient, cfg.SnapshotTTL)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init audit queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("audit queue close", slog.Any("error", err))
		}
	}()

	auditRepo := audit.NewPostgres(pool)
	auditor := audit.NewEmitter(auditRepo, queueClient, logger, nil)

	approvals := evaluator.NewPostgresApprovals(pool)
	eval := evaluator.New(approvals, nil)
	resources := registry.NewPostgres(pool)
	metrics := observability.NewMetrics()

	eng := engine.New(collector, snapshots, eval, resources, auditor, metrics, logger)
	grantService := grants.NewService(grantStore, cat, snapshots, auditor, logger, nil)

	roleRepo := roles.NewRepository(pool)
	roleService := roles.NewService(roleRepo, resolver, grantService)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		EngineHandler: enginehttp.NewHandler(logger, eng, grantService, cat),
		GrantsHandler: grantshttp.NewHandler(logger, grantService),
		RolesHandler:  roles.NewHandler(logger, roleService),
		AuditHandler:  audithttp.NewHandler(logger, auditor),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		jobs.QueueDepthReporter(groupCtx, inspector, metrics, 15*time.Second)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runtime", slog.Any("error", err))
		os.Exit(1)
	}
}
