// Package cmd implements the toolbridge-client command line.
package cmd

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "client-config.json"

// NewRootCmd creates the root command. Without a subcommand it runs the
// client.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolbridge-client",
		Short: "Toolbridge client, runs local tools for a hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, version)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(version))
	root.AddCommand(newInitCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newClearSessionCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newVersionCmd(version))

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

// resolveConfigPath picks the positional argument, then --config, then
// defaultPath.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
