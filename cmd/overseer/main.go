package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/overseer-io/overseer/config"
	"github.com/overseer-io/overseer/internal/bootstrap"
	"github.com/overseer-io/overseer/internal/jobs"
)

func main() {
	ctx := context.Background()

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.ErrorContext(ctx, "load configuration", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
	logger := bootstrap.InitLogger(cfg.IsDev)

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	logger.InfoContext(ctx, "starting overseer",
		"name", cfg.Name,
		"version", bootstrap.Version,
		"queue_backend", cfg.Queue.Backend,
		"registry_backend", cfg.Registry.Backend,
		"workers", cfg.Worker.PoolSize,
		"http_addr", cfg.HTTP.Addr)

	container, err := bootstrap.BuildServices(ctx, &cfg, logger)
	if err != nil {
		return err
	}

	if err := jobs.RegisterAll(container, &cfg, logger); err != nil {
		return err
	}

	return bootstrap.RunServicesWithShutdown(&cfg, container, logger)
}
