package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/circuitbreaker"
	"github.com/getrevio/revio/internal/config"
	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/delivery"
	"github.com/getrevio/revio/internal/dispatch"
	"github.com/getrevio/revio/internal/observ"
	"github.com/getrevio/revio/internal/queue"
	"github.com/getrevio/revio/internal/redis"
	"github.com/getrevio/revio/internal/sqs"
	"github.com/getrevio/revio/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting revio worker",
		zap.String("env", cfg.Env),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	dispatchQueue := queue.New(redisClient.Raw(), queue.Config{
		Lease:         cfg.DispatchLease,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)

	adapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var exporter dispatch.Exporter
	if cfg.SQSEventsURL != "" {
		sqsExporter, err := sqs.NewExporter(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventsURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs exporter unavailable, events will not be exported",
				zap.Error(err),
			)
		} else {
			exporter = sqsExporter
		}
	}

	dispatcher := dispatch.New(repo, adapter, exporter, dispatch.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)

	w := worker.New(dispatchQueue, dispatcher, repo, worker.Config{
		PollInterval:      cfg.WorkerPollInterval,
		ReconcileSchedule: cfg.ReconcileSchedule,
	}, logger)

	// Run until a shutdown signal cancels the context. In-flight
	// firings finish; unacked jobs come back after the lease expires.
	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return w.Start(runCtx)
}

// buildAdapter mirrors the API binary's delivery stack so in-process
// and queued firings behave identically.
func buildAdapter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (delivery.Adapter, error) {
	if cfg.Env == "development" {
		logger.Info("using log adapter, no real sends will happen")
		return delivery.NewLogAdapter(logger), nil
	}

	sesAdapter, err := delivery.NewSESAdapter(ctx, delivery.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES adapter: %w", err)
	}

	adapters := []delivery.Adapter{
		circuitbreaker.NewProtectedAdapter(sesAdapter, circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger),
	}

	snsAdapter, err := delivery.NewSNSAdapter(ctx, delivery.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS adapter unavailable, SMS sends disabled",
			zap.Error(err),
		)
	} else {
		adapters = append(adapters,
			circuitbreaker.NewProtectedAdapter(snsAdapter, circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	return delivery.NewRouter(logger, adapters...), nil
}
