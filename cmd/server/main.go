package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cbsctf/notify/internal/cleaner"
	"github.com/cbsctf/notify/internal/config"
	"github.com/cbsctf/notify/internal/dispatch"
	"github.com/cbsctf/notify/internal/handler"
	"github.com/cbsctf/notify/internal/mail"
	"github.com/cbsctf/notify/internal/middleware"
	"github.com/cbsctf/notify/internal/repository/postgres"
	"github.com/cbsctf/notify/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.App.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting notify service",
		"env", cfg.App.Env,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// Root of the cancellation tree: SIGINT/SIGTERM stops the dispatcher,
	// the cleaner, and the HTTP accept loop. In-flight work is awaited.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	accountRepo := postgres.NewAccountRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)
	queueRepo := postgres.NewQueueRepository(db, cfg.Dispatch.BatchSize)

	sessions, err := session.NewManager(cfg.Session, logger)
	if err != nil {
		logger.Error("failed to initialize session manager", "error", err)
		os.Exit(1)
	}

	mailSecret, err := cfg.Mail.ReadMailSecret()
	if err != nil {
		logger.Error("failed to read notifier secret", "error", err)
		os.Exit(1)
	}

	mailCfg := mail.Config{
		ServerAddr: cfg.Mail.ServerAddr,
		ServerName: cfg.Mail.ServerName,
		Username:   cfg.Mail.Username,
		Password:   mailSecret,
		OpTimeout:  cfg.Mail.OpTimeout,
		Retries:    cfg.Mail.Retries,
	}
	dial := func() (dispatch.Sender, error) {
		return mail.Dial(mailCfg, logger)
	}

	dispatcher := dispatch.New(
		queueRepo,
		dial,
		logger,
		cfg.Dispatch.TickInterval,
		cfg.Mail.Username,
		cfg.Mail.Domain,
	)

	accountCleaner := cleaner.New(accountRepo, cfg.Cleaner, cfg.Mail.Username, mailSecret, logger)

	authHandler := handler.NewAuthHandler(accountRepo, sessions, logger)
	notificationHandler := handler.NewNotificationHandler(notificationRepo, logger)
	userHandler := handler.NewUserHandler(notificationRepo, logger)
	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	metrics := handler.NewMetrics()

	r := chi.NewRouter()

	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(metrics.Middleware)
	r.Use(chimiddleware.Compress(5))

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/register", authHandler.Register)
	r.Post("/login", authHandler.Login)
	r.Post("/logout", authHandler.Logout)
	r.Get("/notification/{id}", notificationHandler.Get)

	r.Group(func(r chi.Router) {
		r.Use(authHandler.RequireAuth)
		r.Get("/user", userHandler.Get)
		r.Post("/notifications", notificationHandler.Create)
	})

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	accountCleaner.Start(ctx)

	go func() {
		logger.Info("serving API", "listen_addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Warn("performing graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Both waits allow in-flight work to finish on its own.
	dispatcher.Stop()
	accountCleaner.Stop()

	logger.Info("server stopped")
}
