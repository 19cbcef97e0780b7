package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/hub/internal/auth"
	"github.com/amurg-ai/toolbridge/pkg/cli"
)

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for auth.api_keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
			key := p.AskPassword("API key")
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
