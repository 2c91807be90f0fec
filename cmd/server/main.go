package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/makkenzo/keytier-api/internal/config"
	"github.com/makkenzo/keytier-api/internal/domain/credential"
	"github.com/makkenzo/keytier-api/internal/domain/subscription"
	"github.com/makkenzo/keytier-api/internal/domain/tier"
	"github.com/makkenzo/keytier-api/internal/domain/usage"
	"github.com/makkenzo/keytier-api/internal/handler"
	"github.com/makkenzo/keytier-api/internal/handler/middleware"
	"github.com/makkenzo/keytier-api/internal/metrics"
	"github.com/makkenzo/keytier-api/internal/ratelimit"
	"github.com/makkenzo/keytier-api/internal/service"
	"github.com/makkenzo/keytier-api/internal/storage/memstorage"
	"github.com/makkenzo/keytier-api/internal/storage/postgres"
	redisstore "github.com/makkenzo/keytier-api/internal/storage/redis"
	"github.com/makkenzo/keytier-api/internal/tasks"
	"github.com/makkenzo/keytier-api/internal/util"
	"github.com/makkenzo/keytier-api/internal/worker"
	"github.com/makkenzo/keytier-api/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type repositories struct {
	creds credential.Repository
	usage usage.Repository
	tiers tier.Repository
	subs  subscription.Repository
}

func main() {
	configPath := flag.String("config", "./configs/config.dev.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	sugarLogger := appLogger.Sugar()

	sugarLogger.Info("Starting application...")
	sugarLogger.Infof("Log level set to: %s", cfg.Log.Level)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		dbPool *pgxpool.Pool
		repos  repositories
	)
	switch cfg.Storage.Driver {
	case "memory":
		sugarLogger.Warn("Using in-memory storage; all data is lost on restart")
		repos = repositories{
			creds: memstorage.NewCredentialRepository(),
			usage: memstorage.NewUsageRepository(),
			tiers: memstorage.NewTierRepository(),
			subs:  memstorage.NewSubscriptionRepository(),
		}
	case "postgres":
		dbPool, err = postgres.NewPgxPool(appCtx, &cfg.Database, appLogger)
		if err != nil {
			sugarLogger.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer dbPool.Close()
		repos = repositories{
			creds: postgres.NewCredentialRepository(dbPool, appLogger),
			usage: postgres.NewUsageRepository(dbPool, appLogger),
			tiers: postgres.NewTierRepository(dbPool, appLogger),
			subs:  postgres.NewSubscriptionRepository(dbPool, appLogger),
		}
	default:
		sugarLogger.Fatalf("Unknown storage driver %q", cfg.Storage.Driver)
	}

	var redisClient *redis.Client
	if cfg.RateLimit.Store == "redis" || cfg.Worker.Enabled {
		redisClient, err = redisstore.NewRedisClient(appCtx, &cfg.Redis, appLogger)
		if err != nil {
			sugarLogger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	appMetrics := metrics.New(nil)

	var (
		counterStore ratelimit.CounterStore
		memCounters  *ratelimit.MemoryStore
	)
	switch cfg.RateLimit.Store {
	case "memory":
		memCounters = ratelimit.NewMemoryStore(cfg.RateLimit.CounterRetention)
		counterStore = memCounters
	case "redis":
		counterStore = ratelimit.NewBreakerStore(
			redisstore.NewRateCounterStore(redisClient, cfg.RateLimit.CounterRetention, appLogger),
			ratelimit.DefaultBreakerConfig,
			appLogger,
		)
	default:
		sugarLogger.Fatalf("Unknown rate limit store %q", cfg.RateLimit.Store)
	}

	hasher, err := util.NewHasher(cfg.Vault.Pepper)
	if err != nil {
		sugarLogger.Fatalf("Invalid vault pepper: %v", err)
	}

	svcOpts := []service.Option{service.WithMetrics(appMetrics)}
	limiter := ratelimit.NewLimiter(counterStore, appLogger, ratelimit.WithObserver(appMetrics))
	ledger := service.NewUsageLedger(repos.usage, service.NewTierMetricPolicy(repos.creds, repos.tiers), cfg.Usage.IdempotencyWindow, appLogger, svcOpts...)
	vault := service.NewKeyVault(repos.creds, repos.tiers, ledger, hasher, service.VaultSettings{
		GracePeriod: cfg.Vault.GracePeriod,
		DefaultRateLimits: credential.RateLimits{
			PerHour:  cfg.Vault.DefaultPerHour,
			PerDay:   cfg.Vault.DefaultPerDay,
			PerMonth: cfg.Vault.DefaultPerMonth,
		},
		MaxUsageStatDays: cfg.Vault.MaxUsageStatDays,
	}, appLogger, svcOpts...)
	catalog := service.NewTierCatalog(repos.tiers, repos.subs, appLogger, svcOpts...)
	simulator := service.NewImpactSimulator(ledger, repos.tiers, repos.subs, 0, appLogger, svcOpts...)
	meter := service.NewMeter(vault, limiter, ledger, repos.tiers, appLogger, svcOpts...)

	authService, err := service.NewAuthService(&cfg.Auth, appLogger)
	if err != nil {
		sugarLogger.Fatalf("Failed to initialize auth service: %v", err)
	}

	healthDeps := map[string]handler.Pinger{}
	if dbPool != nil {
		healthDeps["database"] = dbPool
	}
	if redisClient != nil {
		healthDeps["redis"] = handler.RedisPinger(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := handler.NewRouter(handler.RouterDeps{
		Keys:         handler.NewKeyHandler(vault, appLogger),
		Tiers:        handler.NewTierHandler(catalog, simulator, appLogger),
		Meter:        handler.NewMeterHandler(meter, appLogger),
		Health:       handler.NewHealthHandler(healthDeps, appLogger),
		OperatorAuth: middleware.AuthMiddleware(authService, appLogger),
		APIKeyAuth:   middleware.APIKeyAuthMiddleware(vault, appLogger),
		AllowOrigins: cfg.Server.AllowOrigins,
		Logger:       appLogger,
	})

	g, groupCtx := errgroup.WithContext(appCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		sugarLogger.Infof("HTTP server listening on port %s", cfg.Server.Port)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugarLogger.Errorf("HTTP server ListenAndServe error: %v", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		sugarLogger.Info("HTTP server stopped listening.")
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		sugarLogger.Info("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugarLogger.Errorf("HTTP server graceful shutdown failed: %v", err)
			return fmt.Errorf("http server shutdown error: %w", err)
		}
		sugarLogger.Info("HTTP server shutdown complete.")
		return nil
	})

	sweepHandler := tasks.NewCredentialSweepHandler(vault, prunerOrNil(memCounters), time.Now, appLogger)
	purgeHandler := tasks.NewIdempotencyPurgeHandler(ledger, appLogger)

	if cfg.Worker.Enabled {
		g.Go(func() error {
			errChan, shutdownWorkers := worker.RunWorkers(cfg, worker.Handlers{Sweep: sweepHandler, Purge: purgeHandler}, appLogger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
				defer cancel()
				shutdownWorkers(shutdownCtx)
			}()

			select {
			case <-groupCtx.Done():
				sugarLogger.Info("Asynq workers finished gracefully.")
				return nil
			case err := <-errChan:
				sugarLogger.Error("Asynq worker failed", zap.Error(err))
				return fmt.Errorf("asynq worker error: %w", err)
			}
		})
	} else {
		g.Go(func() error {
			return runLocalMaintenance(groupCtx, sweepHandler, purgeHandler, appLogger)
		})
	}

	sugarLogger.Info("Application started. Waiting for interrupt signal (Ctrl+C) or component error...")

	waitErr := g.Wait()

	sugarLogger.Info("Shutdown sequence finished.")

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			sugarLogger.Info("Shutdown reason: Context canceled (likely due to OS signal).")
		} else {
			sugarLogger.Errorf("Application shutdown finished with unexpected error: %v", waitErr)
		}
	} else {
		sugarLogger.Info("Application shutdown successfully (all components finished without errors).")
	}

	sugarLogger.Info("Application exiting now.")
}

// prunerOrNil avoids handing the sweep handler a typed nil.
func prunerOrNil(s *ratelimit.MemoryStore) tasks.CounterPruner {
	if s == nil {
		return nil
	}
	return s
}

// runLocalMaintenance runs the periodic tasks in-process when the asynq
// worker is disabled.
func runLocalMaintenance(ctx context.Context, sweep *tasks.CredentialSweepHandler, purge *tasks.IdempotencyPurgeHandler, logger *zap.Logger) error {
	sweepTask, err := tasks.NewCredentialSweepTask()
	if err != nil {
		return err
	}
	purgeTask, err := tasks.NewIdempotencyPurgeTask()
	if err != nil {
		return err
	}

	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()

	logger.Info("Running maintenance tasks in-process")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweepTicker.C:
			if err := sweep.ProcessTask(ctx, sweepTask); err != nil {
				logger.Error("In-process credential sweep failed", zap.Error(err))
			}
		case <-purgeTicker.C:
			if err := purge.ProcessTask(ctx, purgeTask); err != nil {
				logger.Error("In-process idempotency purge failed", zap.Error(err))
			}
		}
	}
}
