package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/handler"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/campaign-engine/internal/infra/redis"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
	"github.com/kursadbilgin/campaign-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the api binary owns migrations
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	marker, err := infraredis.NewJobMarker(rdb, cfg.JobMarkerTTL)
	if err != nil {
		logger.Fatal("job marker initialization failed", zap.Error(err))
	}
	locker, err := infraredis.NewRedisLocker(rdb)
	if err != nil {
		logger.Fatal("locker initialization failed", zap.Error(err))
	}
	trunkLimits, err := cfg.TrunkLimits()
	if err != nil {
		logger.Fatal("invalid trunk limits", zap.Error(err))
	}
	limiter, err := infraredis.NewRedisRateLimiter(rdb, infraredis.TrunkLimits{
		Default:  cfg.CallsPerSecPerTrunk,
		PerTrunk: trunkLimits,
	})
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}
	placer, err := provider.NewHTTPCallPlacer(cfg.CallServiceURL, cfg.CallServiceAPIKey, cfg.CallTimeout)
	if err != nil {
		logger.Fatal("call placer initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	campaigns := repository.NewGormCampaignRepo(db)
	jobs := queue.NewJobQueue(queue.NewRabbitMQPublisher(rabbit), marker, logger)

	dispatcher, err := service.NewDispatcher(campaigns, placer, limiter, service.DispatcherConfig{
		CallTimeout:              cfg.CallTimeout,
		MaxTransportRetries:      cfg.MaxTransportRetries,
		RetryBaseDelay:           cfg.RetryBaseDelay,
		RetryMaxDelay:            cfg.RetryMaxDelay,
		FatalConsecutiveFailures: cfg.FatalConsecutiveFail,
	}, logger.Named("dispatcher"))
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	worker, err := service.NewWorkerService(
		campaigns,
		queue.NewRabbitMQConsumer(rabbit, 1, logger),
		jobs,
		locker,
		dispatcher,
		cfg.LockTTL,
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.BrokerCheck(rabbit),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("campaign-engine worker started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Int("port", cfg.WorkerHTTPPort),
		)
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.WorkerHTTPPort)); err != nil {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
