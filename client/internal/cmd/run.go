package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/eventbus"
	"github.com/amurg-ai/toolbridge/client/internal/runtime"
)

func newRunCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Connect to the hub and serve tool requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, version)
		},
	}
}

func runRun(cmd *cobra.Command, args []string, version string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	logs := eventbus.New()
	logger := slog.New(eventbus.NewSlogHandler(newHandler(cfg.Logging, os.Stdout), logs))

	rt, err := runtime.New(cfg, logger, runtime.Options{Version: version, Logs: logs})
	if err != nil {
		logger.Error("failed to initialize client", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("toolbridge client starting", "version", version, "hub", cfg.Hub.URL)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client stopped", "error", err)
		return err
	}
	logger.Info("client stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	return slog.New(newHandler(cfg, w))
}

func newHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
