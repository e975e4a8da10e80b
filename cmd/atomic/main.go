// Command atomic is the CLI host for the core engine: repository setup,
// applying and tagging nodes, channel management, and remote synchronization.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/castingclouds/atomic/internal/config"
	"github.com/castingclouds/atomic/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

const exitCancelled = 130

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := parseLogLevel(os.Getenv("ATOMIC_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitCancelled
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	root := newRootCommand(cfg, logger)
	return root.ExecuteContext(ctx)
}

func parseLogLevel(s string) slog.Level {
	switch s {
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
