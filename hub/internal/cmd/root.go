// Package cmd implements the toolbridge-hub command line.
package cmd

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "hub-config.json"

// NewRootCmd builds the toolbridge-hub command tree. Invoked without a
// subcommand it behaves as "run".
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolbridge-hub",
		Short: "Toolbridge hub, the WebSocket side of the tool bridge",
		Long:  "Toolbridge hub accepts client connections, tracks their capabilities and dispatches tool executions to them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, version)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newRunCmd(version),
		newInitCmd(),
		newTokenCmd(),
		newHashKeyCmd(),
		newVersionCmd(version),
	)
	return root
}

// resolveConfigPath prefers a positional argument, then --config, then
// fallback.
func resolveConfigPath(cmd *cobra.Command, args []string, fallback string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return fallback
}
