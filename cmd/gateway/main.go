package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/api"
	"github.com/getrevio/revio/internal/circuitbreaker"
	"github.com/getrevio/revio/internal/config"
	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/delivery"
	"github.com/getrevio/revio/internal/dispatch"
	"github.com/getrevio/revio/internal/metrics"
	"github.com/getrevio/revio/internal/observ"
	"github.com/getrevio/revio/internal/queue"
	"github.com/getrevio/revio/internal/redis"
	"github.com/getrevio/revio/internal/schedule"
	"github.com/getrevio/revio/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; existing env vars win.
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

	logger.Info("starting revio api",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs the dispatch queue, so unlike idempotency and rate
	// limiting it is not optional here.
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

	idempotencyService := redis.NewIdempotencyService(redisClient, logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
	})

	dispatchQueue := queue.New(redisClient.Raw(), queue.Config{
		Lease:         cfg.DispatchLease,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)

	adapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Optional SQS event export
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

	// The API fires due-now requests in-process; scheduled requests go
	// through the queue and are fired by the worker binary.
	dispatcher := dispatch.New(repo, adapter, exporter, dispatch.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)

	service := schedule.New(repo, dispatchQueue, dispatcher, nil, exporter, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, service, repo, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.BusinessKeyFunc))
		handler.Routes(r)
	})

	// Tracking redirects sit outside /v1: the path goes into customer
	// messages and must stay short and unversioned.
	r.Get("/r/{token}", handler.TrackRedirect)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAdapter assembles the delivery stack: SES for email and SNS for
// SMS, each behind its own circuit breaker. Development environments
// log sends instead of calling providers.
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

	logger.Info("initialized delivery adapters",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsAdapter != nil),
	)

	return delivery.NewRouter(logger, adapters...), nil
}
