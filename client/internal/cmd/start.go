package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/daemon"
)

func daemonFiles(cmd *cobra.Command) daemon.Files {
	if f := cmd.Flag("state-dir"); f != nil && f.Value.String() != "" {
		return daemon.Files{Dir: f.Value.String()}
	}
	return daemon.Default()
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the client as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
	cmd.Flags().String("state-dir", "", "directory for the pid and log files (default ~/.toolbridge)")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, err := filepath.Abs(resolveConfigPath(cmd, args, defaultConfigPath))
	if err != nil {
		return err
	}
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	files := daemonFiles(cmd)
	if pid, running, _ := files.Running(); running {
		return fmt.Errorf("client is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	pid, err := files.Spawn(exe, "run", configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Client started (PID %d)\n", pid)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", configPath)
	_, _ = fmt.Fprintf(out, "  Logs:   %s\n", files.LogPath())
	return nil
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background client",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}
	cmd.Flags().String("state-dir", "", "directory for the pid and log files (default ~/.toolbridge)")
	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	files := daemonFiles(cmd)
	out := cmd.OutOrStdout()

	pid, running, err := files.Running()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(out, "Client is not running (no PID file)")
		return nil
	}
	if !running {
		_ = files.RemovePID()
		_, _ = fmt.Fprintf(out, "Client is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Stopping client (PID %d)...\n", pid)
	if err := daemon.Stop(pid, 5*time.Second); err != nil {
		return err
	}
	_ = files.RemovePID()
	_, _ = fmt.Fprintln(out, "Client stopped")
	return nil
}
