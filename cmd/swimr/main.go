package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/swimr-hq/swimr/internal/analysis"
	"github.com/swimr-hq/swimr/internal/common"
	appcfg "github.com/swimr-hq/swimr/internal/config"
	"github.com/swimr-hq/swimr/internal/extract"
	"github.com/swimr-hq/swimr/internal/ledger"
	"github.com/swimr-hq/swimr/internal/notify"
	"github.com/swimr-hq/swimr/internal/run"
	"github.com/swimr-hq/swimr/internal/server"
	"github.com/swimr-hq/swimr/internal/staging"
	"github.com/swimr-hq/swimr/internal/storage"
	"github.com/swimr-hq/swimr/internal/tasks"
)

func main() {
	// Local .env values feed the ${VAR} expansion in the YAML config.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	// Row store
	notifier := storage.NewNotifier()
	var store storage.Store
	switch cfg.Storage.Driver {
	case common.DriverSQLite:
		store, err = storage.NewSQLiteStore(cfg.Storage.Path, notifier)
	case common.DriverPostgres:
		store, err = storage.NewPostgresStore(cfg.Storage.DSN, notifier)
	default:
		logger.Error("unsupported storage driver", "driver", cfg.Storage.Driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("open store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Detached task workers
	runner := tasks.NewRunner(logger, cfg.Server.TaskCapacity, cfg.Server.TaskWorkers)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := runner.Start(rootCtx); err != nil {
		logger.Error("start task runner", "err", err)
		os.Exit(1)
	}

	// Remote analysis client and its consumers
	client := analysis.NewHTTPClient(logger, cfg.Analysis.Endpoint, cfg.Analysis.APIKey,
		cfg.Analysis.Timeout, cfg.Analysis.RetryAttempts)
	jobLedger := ledger.New(logger, store, client, runner, notifier)
	analyser := analysis.NewAnalyser(logger, client)

	// Staging queue and batch run coordinator
	feed := notify.NewFeed(logger, common.DefaultNoticeBuffer)
	queue := staging.NewQueue(logger, staging.Simulation{
		TickMin: cfg.Staging.TickMin,
		TickMax: cfg.Staging.TickMax,
		StepMin: cfg.Staging.StepMin,
		StepMax: cfg.Staging.StepMax,
	})
	coordinator := run.NewCoordinator(logger, queue, extract.NewDocExtractor(logger),
		client, store, run.NewSnapshots(store), feed)

	// A run a previous process left active picks up where it stopped.
	coordinator.Resume(rootCtx)

	// HTTP server
	svc := &server.Service{
		Log:         logger,
		Cfg:         cfg,
		Store:       store,
		Staging:     queue,
		Coordinator: coordinator,
		Analyser:    analyser,
		Ledger:      jobLedger,
		Notices:     feed,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop detached workers
	runner.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
