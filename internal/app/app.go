// Package app provides application lifecycle management for the worker and
// API processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i0switch/personaforge/internal/api"
	"github.com/i0switch/personaforge/internal/config"
	"github.com/i0switch/personaforge/internal/database"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/ratelimit"
	"github.com/i0switch/personaforge/internal/replies"
	"github.com/i0switch/personaforge/internal/scheduler"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
	"github.com/i0switch/personaforge/internal/tokens"
)

// DefaultShutdownTimeout is the timeout for graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// App holds the wired application with all its dependencies.
type App struct {
	config   *config.Config
	logger   logger.Logger
	db       *sqlx.DB
	secrets  *secrets.RedisStore
	client   *threads.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	queueRepo *database.QueueRepository
	postRepo  *database.PostRepository
	credRepo  *database.CredentialRepository
	replyRepo *database.ReplyJobRepository

	version string
}

// Options contains configuration for creating a new App.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and initializes the shared dependency graph.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "personaforge"),
		logger.String("version", opts.Version),
	)

	db, err := database.NewPostgresConnection(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		_ = appLogger.Sync()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	secretStore, err := secrets.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	return &App{
		config:    cfg,
		logger:    appLogger,
		db:        db,
		secrets:   secretStore,
		client:    threads.NewClient(cfg.Threads.BaseURL, cfg.Threads.Timeout, appLogger),
		registry:  registry,
		metrics:   m,
		queueRepo: database.NewQueueRepository(db),
		postRepo:  database.NewPostRepository(db),
		credRepo:  database.NewCredentialRepository(db),
		replyRepo: database.NewReplyJobRepository(db),
		version:   opts.Version,
	}, nil
}

// RunWorker starts the dispatcher, auditor, credential lifecycle manager,
// rate-limit detector and reply runner, and blocks until shutdown.
func (a *App) RunWorker(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := scheduler.New(
		a.queueRepo, a.postRepo, a.credRepo, a.secrets, a.client,
		scheduler.Config{
			BatchSize:       a.config.Scheduler.BatchSize,
			TickTimeout:     a.config.Scheduler.TickTimeout,
			SkipRateLimited: a.config.Scheduler.SkipRateLimited,
		},
		a.logger, a.metrics,
	)
	auditor := scheduler.NewAuditor(a.queueRepo, a.config.Auditor.StaleAfter, a.logger, a.metrics)
	worker := scheduler.NewWorker(dispatcher, auditor, a.config.Scheduler.Interval, a.config.Auditor.Interval, a.logger)

	tokenManager := tokens.NewManager(
		a.credRepo, a.secrets, a.client,
		tokens.Config{
			Interval:     a.config.Tokens.Interval,
			Lookahead:    a.config.Tokens.Lookahead,
			RefreshDelay: a.config.Tokens.RefreshDelay,
		},
		a.logger, a.metrics,
	)

	detector := ratelimit.NewDetector(
		a.postRepo, a.replyRepo, a.credRepo,
		ratelimit.Config{
			Interval:      a.config.RateLimit.Interval,
			FailureWindow: a.config.RateLimit.FailureWindow,
			SuccessWindow: a.config.RateLimit.SuccessWindow,
			Cooldown:      a.config.RateLimit.Cooldown,
		},
		a.logger, a.metrics,
	)

	replyRunner := replies.NewRunner(
		a.replyRepo, a.postRepo, a.credRepo, a.secrets, a.client,
		replies.Config{
			Interval:   a.config.Replies.Interval,
			BatchSize:  a.config.Replies.BatchSize,
			StaleAfter: a.config.Auditor.StaleAfter,
		},
		a.logger, a.metrics,
	)

	worker.Start(workerCtx)
	tokenManager.Start(workerCtx)
	detector.Start(workerCtx)
	replyRunner.Start(workerCtx)

	a.waitForSignal(ctx)

	cancel()
	replyRunner.Stop()
	detector.Stop()
	tokenManager.Stop()
	worker.Stop()

	a.logger.Info("Worker stopped")
	return nil
}

// RunAPI starts the HTTP server and blocks until shutdown.
func (a *App) RunAPI(ctx context.Context) error {
	statusService := api.NewStatusService(a.queueRepo, a.credRepo, a.config.Auditor.StaleAfter)
	handlers := api.NewHandlers(
		a.postRepo, a.queueRepo, a.replyRepo, statusService,
		a.logger, a.version, a.config.Replies.MaxAttempts,
	)
	router := api.NewRouter(handlers, a.registry, a.config.Debug)

	server := &http.Server{
		Addr:         a.config.Server.Address,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", logger.String("address", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully", logger.String("signal", sig.String()))
	case <-ctx.Done():
		a.logger.Info("Shutting down, context cancelled")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server shutdown error", logger.Error(err))
		return err
	}

	a.logger.Info("HTTP server stopped")
	return nil
}

func (a *App) waitForSignal(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully", logger.String("signal", sig.String()))
	case <-ctx.Done():
		a.logger.Info("Shutting down, context cancelled")
	}
}

// Close cleans up resources.
func (a *App) Close() error {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", logger.Error(err))
		}
	}
	if a.secrets != nil {
		if err := a.secrets.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", logger.Error(err))
		}
	}
	return a.logger.Sync()
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}
