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
	"go.uber.org/zap"

	"github.com/sablemail/sable/internal/api"
	"github.com/sablemail/sable/internal/config"
	"github.com/sablemail/sable/internal/db"
	"github.com/sablemail/sable/internal/domains"
	"github.com/sablemail/sable/internal/mailer"
	"github.com/sablemail/sable/internal/metrics"
	"github.com/sablemail/sable/internal/observ"
	"github.com/sablemail/sable/internal/redis"
	"github.com/sablemail/sable/internal/scheduler"
	"github.com/sablemail/sable/internal/ses"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting sable",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Database
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

	// Redis is optional: without it the enqueue API still works, just
	// without idempotency-key deduplication.
	var idempotency *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency keys and rate limits disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.EnqueueRateLimit,
			Window: cfg.EnqueueRateWindow,
		})
	}

	// SES client drives both domain verification and production sends.
	sesClient, err := ses.NewClient(ctx, ses.Config{Region: cfg.AWSRegion}, logger)
	if err != nil {
		return fmt.Errorf("failed to create ses client: %w", err)
	}

	// In development, deliver to MailHog instead of the real provider.
	var transport mailer.Transport
	if cfg.Env == "development" {
		addr := fmt.Sprintf("%s:%d", cfg.MailHogHost, cfg.MailHogPort)
		transport = mailer.NewSMTPTransport(addr, logger)
		logger.Info("using local smtp capture transport", zap.String("addr", addr))
	} else {
		transport = mailer.NewSESTransport(sesClient)
	}

	mailService := mailer.NewService(transport, logger)
	engine := domains.NewEngine(repo, sesClient, cfg.AWSRegion, logger)

	// Scheduler
	sched := scheduler.New(repo, mailService, scheduler.Config{
		TickInterval: cfg.TickInterval,
		SendTimeout:  cfg.SendTimeout,
		DefaultFrom:  cfg.DefaultFromEmail,
	}, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
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

	// API routes
	handler := api.NewHandler(logger, repo, engine, idempotency)
	r.Route("/v1", func(r chi.Router) {
		r.With(api.RateLimitMiddleware(rateLimiter, logger, api.ProjectKeyFunc)).
			Post("/emails", handler.CreateEmail)
		r.Get("/emails/{id}", handler.GetEmail)
		r.Get("/tasks/{id}", handler.GetTask)
		r.Post("/domains", handler.VerifyDomain)
		r.Get("/domains/{id}", handler.GetDomain)
		r.Get("/domains/{id}/status", handler.DomainStatus)
		r.Get("/domains/{id}/dns", handler.DomainDNSRecords)
		r.Post("/ses/events", handler.SESEvents)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
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

		if err := sched.Stop(); err != nil {
			logger.Error("scheduler stop failed", zap.Error(err))
		}

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
