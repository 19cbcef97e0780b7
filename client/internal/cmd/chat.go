package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/runtime"
)

func newChatCmd() *cobra.Command {
	var (
		timeout    time.Duration
		newSession bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one chat message in the current session and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := connect(ctx, rt); err != nil {
				return err
			}
			if newSession {
				if err := rt.ClearSession(ctx); err != nil {
					return err
				}
			}

			resp, err := rt.Chat(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the hub and its reply")
	cmd.Flags().BoolVar(&newSession, "new-session", false, "start a fresh session before sending")
	return cmd
}

func newClearSessionCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "clear-session",
		Short: "Forget the current session here and on the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			// The hub copy is best effort; clear locally even when offline.
			if err := connect(ctx, rt); err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "hub not reachable, clearing locally:", err)
			}
			if err := rt.ClearSession(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the hub")
	return cmd
}

// openRuntime loads the config and builds a runtime that logs to stderr so
// stdout carries only command output.
func openRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return nil, fmt.Errorf("error: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	return runtime.New(cfg, logger, runtime.Options{})
}

func connect(ctx context.Context, rt *runtime.Runtime) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}
	if err := rt.WaitRegistered(ctx); err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	return nil
}
