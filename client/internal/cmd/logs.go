package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/control"
)

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Follow the log output of a running client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Control.Socket == "" {
				return errors.New("control.socket is not set in the config")
			}
			ctx := cmd.Context()
			c, err := control.Dial(ctx, cfg.Control.Socket)
			if err != nil {
				return fmt.Errorf("client not running? %w", err)
			}
			defer c.Close()

			if err := c.FollowLogs(ctx); err != nil {
				return err
			}
			for {
				select {
				case evt, ok := <-c.Events():
					if !ok {
						return nil
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatLogLine(evt.Data))
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

// formatLogLine renders a log entry as "LEVEL msg key=value ...".
func formatLogLine(data json.RawMessage) string {
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		return string(data)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v %v", entry["level"], entry["msg"])
	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "msg", "time":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}
