package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/notifier/internal"
	"github.com/dukerupert/notifier/internal/email"
	"github.com/dukerupert/notifier/internal/events"
	"github.com/dukerupert/notifier/internal/handler"
	"github.com/dukerupert/notifier/internal/handler/api"
	"github.com/dukerupert/notifier/internal/memstore"
	"github.com/dukerupert/notifier/internal/middleware"
	"github.com/dukerupert/notifier/internal/postgres"
	"github.com/dukerupert/notifier/internal/router"
	"github.com/dukerupert/notifier/internal/service"
	"github.com/dukerupert/notifier/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	healthChecks := map[string]handler.HealthCheck{}

	// Initialize delivery store
	var store service.DeliveryStore
	switch cfg.StoreDriver {
	case internal.StoreDriverMemory:
		logger.Warn("Using in-memory delivery store")
		store = memstore.NewDeliveryStore()
	default:
		logger.Info("Running database migrations...")
		if err := internal.MigrateDatabase(cfg.DatabaseUrl); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database migrations completed successfully")

		pool, err := postgres.NewPool(ctx, cfg.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		logger.Info("Database connection established")

		store = postgres.NewDeliveryStore(pool)
		healthChecks["database"] = pool.Ping
	}

	// Initialize email transport
	var sender email.Sender
	switch cfg.Email.Transport {
	case internal.TransportLog:
		logger.Warn("Email transport is log-only, no mail will be delivered")
		sender = email.NewLogSender(logger)
	default:
		smtpSender := email.NewSMTPSender(&email.SMTPConfig{
			Host:     cfg.Email.Host,
			Port:     int(cfg.Email.Port),
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
			Timeout:  cfg.Email.Timeout,
		}, logger)
		if err := smtpSender.TestConnection(ctx); err != nil {
			// Sends fail individually and stay retryable, so startup continues.
			logger.Warn("SMTP connection check failed", "host", cfg.Email.Host, "error", err)
		}
		sender = smtpSender
	}

	formatter, err := email.NewTemplateFormatter()
	if err != nil {
		return fmt.Errorf("failed to load email templates: %w", err)
	}

	httpMetrics := middleware.NewMetrics("notifier", nil)
	dispatchMetrics := telemetry.NewDispatchMetrics("notifier", nil)

	// Initialize dispatch service
	dispatchService, err := service.NewDispatchService(store, sender, formatter, cfg.Email.From,
		service.WithLogger(logger),
		service.WithRecorder(dispatchMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatch service: %w", err)
	}

	// Order event consumer
	if cfg.NATS.Enabled() {
		consumer := events.NewConsumer(events.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, dispatchService, logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start order event consumer: %w", err)
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Error("order event consumer shutdown failed", "error", err)
			}
		}()
	}

	// Routes
	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		middleware.WithRequestLogger(logger),
		httpMetrics.Middleware,
		router.Logger(logger),
	)

	r.Handle(http.MethodGet, "/health", handler.NewHealthHandler(healthChecks))
	r.Handle(http.MethodGet, "/metrics", httpMetrics.Handler())
	api.NewEmailHandler(dispatchService, logger).Register(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
