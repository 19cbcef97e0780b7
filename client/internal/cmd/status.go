package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/control"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running client through its control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Control.Socket == "" {
				return errors.New("control.socket is not set in the config")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			c, err := control.Dial(ctx, cfg.Control.Socket)
			if err != nil {
				return fmt.Errorf("client not running? %w", err)
			}
			defer c.Close()

			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			_, _ = fmt.Fprintf(out, "Hub:        %s (%s)\n", st.HubURL, st.State)
			if st.Attempts > 0 {
				_, _ = fmt.Fprintf(out, "Reconnects: %d\n", st.Attempts)
			}
			_, _ = fmt.Fprintf(out, "Client ID:  %s\n", orNone(st.ClientID))
			_, _ = fmt.Fprintf(out, "Session:    %s\n", orNone(st.SessionID))
			_, _ = fmt.Fprintf(out, "Tools:      %v\n", st.Tools)
			_, _ = fmt.Fprintf(out, "Uptime:     %s\n", st.Uptime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
