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

	"github.com/amurg-ai/toolbridge/hub/internal/config"
	"github.com/amurg-ai/toolbridge/hub/internal/hub"
)

func newRunCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the hub (default when no subcommand is given)",
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
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("toolbridge hub starting", "version", version, "config", configPath)

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hub error", "error", err)
		return err
	}

	logger.Info("hub stopped")
	return nil
}

// newLogger builds the process logger. The hub logs JSON unless the
// config asks for text.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
