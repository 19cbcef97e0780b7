package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/client/internal/config"
	"github.com/amurg-ai/toolbridge/client/internal/runtime"
	"github.com/amurg-ai/toolbridge/client/internal/wizard"
	"github.com/amurg-ai/toolbridge/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			unit, _ := cmd.Flags().GetString("systemd-unit")

			tools := runtime.DefaultTools(&config.Config{}).Names()
			w := wizard.New(&cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}, tools)
			return w.Run(output, unit)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: "+wizard.DefaultOutput+")")
	cmd.Flags().String("systemd-unit", "", "also write a systemd unit file to this path")
	return cmd
}
