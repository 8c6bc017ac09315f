package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/channel"
	"github.com/atlastrips/notify-pipeline/internal/config"
	"github.com/atlastrips/notify-pipeline/internal/dispatch"
	"github.com/atlastrips/notify-pipeline/internal/handler"
	"github.com/atlastrips/notify-pipeline/internal/infra/postgresql"
	"github.com/atlastrips/notify-pipeline/internal/infra/postgresql/migrations"
	infraredis "github.com/atlastrips/notify-pipeline/internal/infra/redis"
	"github.com/atlastrips/notify-pipeline/internal/observability"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/atlastrips/notify-pipeline/internal/service"
	"github.com/atlastrips/notify-pipeline/internal/transport"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

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

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
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

	metrics := observability.NewMetrics()

	jobRepo := repository.NewGormJobRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	deadLetterRepo := repository.NewGormDeadLetterRepo(db)
	streamRepo := repository.NewGormStreamRepo(db)

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	chatChannel, err := channel.NewChatChannel(cfg.ChatWebhookURL, cfg.SendTimeout())
	if err != nil {
		logger.Fatal("chat channel initialization failed", zap.Error(err))
	}
	pushChannel, err := channel.NewPushChannel(cfg.PushGatewayURL, cfg.SendTimeout())
	if err != nil {
		logger.Fatal("push channel initialization failed", zap.Error(err))
	}
	emailChannel, err := channel.NewEmailChannel(cfg.EmailRelayURL, cfg.SendTimeout())
	if err != nil {
		logger.Fatal("email channel initialization failed", zap.Error(err))
	}

	dispatcher, err := dispatch.NewDispatcher(
		[]channel.Channel{chatChannel, pushChannel, emailChannel},
		attemptRepo,
		rateLimiter,
		logger,
		dispatch.WithRetryBudget(cfg.ChannelRetryBudget),
		dispatch.WithBackoff(cfg.ChannelBackoffBase(), cfg.ChannelBackoffMax()),
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	jobService, err := service.NewJobService(jobRepo, attemptRepo, deadLetterRepo, cfg.JobMaxAttempts, logger)
	if err != nil {
		logger.Fatal("job service initialization failed", zap.Error(err))
	}
	jobService.SetMetrics(metrics)

	runner, err := service.NewRunner(jobRepo, deadLetterRepo, dispatcher, service.RunnerConfig{
		Interval:      cfg.RunnerInterval(),
		BatchSize:     cfg.ClaimBatchSize,
		LeaseDuration: cfg.LeaseDuration(),
		Concurrency:   cfg.WorkerConcurrency,
		JobRetryDelay: cfg.JobRetryDelay(),
	}, logger)
	if err != nil {
		logger.Fatal("runner initialization failed", zap.Error(err))
	}
	runner.SetMetrics(metrics)

	followup, err := service.NewFollowupScheduler(streamRepo, jobService, cfg.FollowupInterval(), cfg.FollowupScanLimit, logger)
	if err != nil {
		logger.Fatal("followup scheduler initialization failed", zap.Error(err))
	}
	followup.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterJobRoutes(app, jobService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("queue runner started",
			zap.Duration("interval", cfg.RunnerInterval()),
			zap.Int("batchSize", cfg.ClaimBatchSize),
		)
		return runner.Start(groupCtx)
	})

	g.Go(func() error {
		logger.Info("followup scheduler started", zap.Duration("interval", cfg.FollowupInterval()))
		return followup.Start(groupCtx)
	})

	g.Go(func() error {
		logger.Info("api listening", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
	}
	logger.Info("stopped")
}
