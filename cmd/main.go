package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/inboxlane/mailsync/crons"
	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/handler"
	"github.com/inboxlane/mailsync/middleware"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/logger/newrelic"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/router"
	"github.com/inboxlane/mailsync/syncer"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defer logger.Sync()
	ctx := context.Background()

	// Initialize environment and dependencies
	if err := initApp(); err != nil {
		logger.Error(ctx, "failed to initialize application", logger.ErrorField(err))
		os.Exit(1)
	}

	// Setup storage
	store, err := setupStorage(ctx)
	if err != nil {
		os.Exit(1)
	}

	// Metrics
	if err := monitor.InitializeGlobalManager(); err != nil {
		logger.Error(ctx, "failed to initialize metrics", logger.ErrorField(err))
		os.Exit(1)
	}
	monitor.StartSystemMetricsUpdater(30 * time.Second)

	// Sync machinery
	tokens := syncer.NewTokenManager(store.ConnectionRepo, syncer.RefreshProviderToken)
	engine := syncer.NewEngine(
		store.ConnectionRepo,
		store.FolderRepo,
		store.MessageRepo,
		store.SyncJobRepo,
		tokens,
		syncer.NewProviderClient,
		syncer.DefaultEngineConfig(),
	)
	watches := syncer.NewWatchManager(
		store.ConnectionRepo,
		engine,
		tokens,
		syncer.NewProviderClient,
		os.Getenv("GMAIL_PUBSUB_TOPIC"),
	)

	var worker *syncer.Worker
	if os.Getenv("WORKER_ENABLED") != "false" {
		config := syncer.DefaultWorkerConfig()
		if n, err := strconv.Atoi(os.Getenv("WORKER_MAX_CONCURRENT_JOBS")); err == nil && n > 0 {
			config.MaxConcurrentJobs = n
		}
		worker = syncer.NewWorker(store.WorkerRepo, store.SyncJobRepo, store.ConnectionRepo, engine, config)
		if err := worker.Start(ctx); err != nil {
			logger.Error(ctx, "failed to start worker", logger.ErrorField(err))
			os.Exit(1)
		}
		logger.Info(ctx, "sync worker started", logger.String("worker_id", worker.ID()))
	}

	var scheduler *crons.SchedulerManager
	if os.Getenv("SCHEDULER_ENABLED") != "false" {
		scheduler = crons.NewSchedulerManager(store, watches)
		scheduler.Start()
		logger.Info(ctx, "scheduler started")
	}

	h := handler.New(store, engine, watches, syncer.NewProviderClient)
	e := router.NewServer(store, h)

	// Serve until a termination signal arrives, then drain: stop taking
	// requests, stop the cron loop, and let the worker release its jobs.
	go router.StartServer(e, getAddress())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(ctx, "shutdown signal received", logger.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "error shutting down http server", logger.ErrorField(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if worker != nil {
		worker.Stop(shutdownCtx)
	}

	logger.Info(ctx, "shutdown complete")
}

func initApp() error {
	// Get the directory where the binary is located
	execPath, err := os.Executable()
	if err != nil {
		return err
	}

	execDir := filepath.Dir(execPath)
	envPath := filepath.Join(execDir, ".env")

	// Try to load .env from the binary's directory first
	if err := godotenv.Load(envPath); err != nil {
		// Fallback to current directory; a missing .env is fine when the
		// environment is set externally.
		_ = godotenv.Load()
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		middleware.JwtSecretKey = secret
	}

	// Initialize logger with New Relic integration
	if apiKey := os.Getenv("NEWRELIC_API_KEY"); apiKey != "" || os.Getenv("NEWRELIC_ENABLED") == "true" {
		logger.InitWithInterceptor(newrelic.NewLogInterceptor(apiKey, true))
	}

	return nil
}

func setupStorage(ctx context.Context) (*db.PostgresDb, error) {
	var store *db.PostgresDb
	var err error

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		store, err = db.NewPostgresStore(dsn, os.Getenv("QUERY_LOGGING") == "true")
	} else {
		path := os.Getenv("MAILSYNC_DB_PATH")
		if path == "" {
			path = "mailsync.db"
		}
		store, err = db.NewSQLiteStore(path)
	}
	if err != nil {
		logger.Error(ctx, "failed to create store", logger.ErrorField(err))
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		logger.Error(ctx, "failed to migrate database", logger.ErrorField(err))
		return nil, err
	}

	return store, nil
}

func getAddress() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8005"
}
