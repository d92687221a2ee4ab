package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"batchgate/internal/config"
	"batchgate/internal/handler"
	"batchgate/internal/infra/postgresql"
	"batchgate/internal/infra/postgresql/migrations"
	infraredis "batchgate/internal/infra/redis"
	"batchgate/internal/observability"
	"batchgate/internal/provider"
	"batchgate/internal/queue"
	"batchgate/internal/repository"
	"batchgate/internal/service"
	"batchgate/internal/transport"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 10 * time.Second
	sessionEvictInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	var catalog *config.MachineCatalog
	if cfg.MachineCatalogPath != "" {
		catalog, err = config.LoadMachineCatalog(cfg.MachineCatalogPath)
		if err != nil {
			logger.Fatal("machine catalog load failed", zap.Error(err))
		}
		logger.Info("machine catalog loaded", zap.Int("machines", len(catalog.Machines)))
	}

	metrics := observability.NewMetrics()

	readiness, err := infraredis.NewReadinessStore(rdb, logger)
	if err != nil {
		logger.Fatal("readiness store initialization failed", zap.Error(err))
	}

	gatewayLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.GatewayRatePerSec)
	if err != nil {
		logger.Fatal("gateway rate limiter initialization failed", zap.Error(err))
	}
	operatorLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.OperatorRatePerSec)
	if err != nil {
		logger.Fatal("operator rate limiter initialization failed", zap.Error(err))
	}

	gateway, err := provider.NewHTTPGateway(cfg.GatewayBaseURL)
	if err != nil {
		logger.Fatal("machine gateway initialization failed", zap.Error(err))
	}

	batchRepo := repository.NewGormBatchRepo(db)
	conflictRepo := repository.NewGormConflictRepo(db)
	resolutionRepo := repository.NewGormResolutionRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)

	publisher := queue.NewRabbitMQPublisher(mq)

	factory := func(targetDate time.Time) (*service.Coordinator, error) {
		coordinator, err := service.NewCoordinator(
			targetDate,
			batchRepo,
			conflictRepo,
			resolutionRepo,
			readiness,
			publisher,
			cfg.ApprovalConcurrency,
			logger,
		)
		if err != nil {
			return nil, err
		}
		coordinator.SetMetrics(metrics)
		if catalog != nil {
			coordinator.SetMachineCapacity(catalog)
		}
		return coordinator, nil
	}

	sessions, err := service.NewSessions(factory, logger)
	if err != nil {
		logger.Fatal("sessions manager initialization failed", zap.Error(err))
	}

	monitor, err := service.NewConflictMonitor(sessions, time.Duration(cfg.ConflictScanSeconds)*time.Second, logger)
	if err != nil {
		logger.Fatal("conflict monitor initialization failed", zap.Error(err))
	}

	dispatchConsumer := queue.NewRabbitMQConsumer(mq, cfg.DispatchConcurrency, logger)
	worker, err := service.NewDispatchWorker(
		batchRepo,
		attemptRepo,
		dispatchConsumer,
		publisher,
		gateway,
		gatewayLimiter,
		cfg.DispatchConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("dispatch worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	reportConsumer := queue.NewRabbitMQConsumer(mq, 1, logger)
	ingest, err := service.NewConflictIngest(sessions, reportConsumer, logger)
	if err != nil {
		logger.Fatal("conflict ingest initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterApprovalRoutes(app, sessions, attemptRepo, operatorLimiter); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Start(groupCtx)
	})
	g.Go(func() error {
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		return ingest.Start(groupCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sessionEvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -cfg.SessionRetentionDays)
				if evicted := sessions.EvictBefore(cutoff); evicted > 0 {
					logger.Info("evicted stale sessions", zap.Int("count", evicted))
				}
			}
		}
	})
	g.Go(func() error {
		logger.Info("batchgate api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("api server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("batchgate stopped with error", zap.Error(err))
	}
	logger.Info("batchgate stopped")
}
