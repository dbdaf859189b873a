package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobq/internal/app"
	"jobq/internal/config"
	"jobq/internal/logger"
)

func main() {
	// Initialize structured logger
	log := logger.New(os.Stdout, slog.LevelInfo)
	slog.SetDefault(log)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log = logger.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("jobq exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 2. Infrastructure: database, migrations, optional NSQ producer
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer deps.Close()

	// 3. Wire features. Business handlers are registered by programs
	// embedding the engine; the binary runs the built-ins only.
	application, err := app.New(cfg, deps.DB, deps.Publisher(), logger, nil)
	if err != nil {
		return fmt.Errorf("app init failed: %w", err)
	}

	logger.Info("jobq starting",
		"api", cfg.EnableAPI, "worker", cfg.EnableWorker, "events", cfg.EnableEvents, "worker_id", cfg.WorkerID)

	// 4. Serve until the context is cancelled
	return application.Run(ctx)
}
