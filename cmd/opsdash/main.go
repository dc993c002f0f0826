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

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/gate"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
	"github.com/odyssey-erp/opsdash/internal/app"
	"github.com/odyssey-erp/opsdash/internal/audit"
	"github.com/odyssey-erp/opsdash/internal/deals"
	"github.com/odyssey-erp/opsdash/internal/identity"
	"github.com/odyssey-erp/opsdash/internal/observability"
	"github.com/odyssey-erp/opsdash/internal/platform/cache"
	"github.com/odyssey-erp/opsdash/internal/platform/db"
	"github.com/odyssey-erp/opsdash/internal/rules"
	"github.com/odyssey-erp/opsdash/internal/shared"
	"github.com/odyssey-erp/opsdash/jobs"
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

	dbpool, err := db.New(ctx, db.PoolSettings{
		DSN:             cfg.PGDSN,
		MaxConns:        cfg.PGMaxConns,
		MaxConnLifetime: cfg.PGMaxConnLifetime,
	})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Settings{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, rule changes propagate by periodic refresh only", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	evaluator := access.NewEvaluator(logger, metrics)

	ruleRepo := rules.NewPGRepository(dbpool)
	ruleStore := snapshot.NewStore(ruleRepo, logger)
	if _, err := ruleStore.Refresh(ctx); err != nil {
		logger.Warn("initial rule load failed, gated surfaces stay pending", slog.Any("error", err))
	}
	go ruleStore.Run(ctx, cfg.RulesRefreshInterval)
	if redisClient != nil {
		if err := ruleStore.Watch(ctx, redisClient, cfg.RulesChannel); err != nil {
			logger.Warn("subscribe rule bumps", slog.Any("error", err))
		}
	}
	metrics.WatchRules(func() (uint64, bool) {
		snap, ok := ruleStore.Current()
		return snap.Generation, ok
	})

	accessGate := gate.New(evaluator, ruleStore, gate.WithMemo(cfg.GateMemoSize))

	ruleService := rules.NewService(ruleRepo, evaluator, logger)
	ruleService.SetAuditor(shared.NewAuditLogger(dbpool))
	ruleService.SetNotifier(snapshot.NewNotifier(redisClient, cfg.RulesChannel, snapshot.WithLocalStore(ruleStore)))
	ruleService.SetObserver(metrics)
	ruleService.SetBulkConcurrency(cfg.RulesBulkConcurrency)

	auditService := audit.NewService(audit.NewPGRepository(dbpool), accessGate)

	dealRepo := deals.NewPGRepository(dbpool)
	dealService := deals.NewService(dealRepo, accessGate, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Resolver:      newResolver(cfg),
		Gate:          accessGate,
		AccessHandler: gate.NewHandler(logger, accessGate),
		RulesHandler:  rules.NewHandler(logger, ruleService),
		DealsHandler:  deals.NewHandler(logger, dealService),
		AuditHandler:  audit.NewHandler(logger, auditService),
		BoardHandler:  deals.NewBoardHandler(logger, dealService, accessGate),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		RulesLoaded: func() bool {
			_, ok := ruleStore.Current()
			return ok
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("identity", cfg.IdentityMode))
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

func newResolver(cfg *app.Config) identity.Resolver {
	if cfg.IdentityMode == app.IdentityToken {
		return identity.NewTokenResolver(cfg.TokenSecret)
	}
	return identity.HeaderResolver{}
}
