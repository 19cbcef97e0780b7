package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/toolbridge/hub/internal/auth"
	"github.com/amurg-ai/toolbridge/hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint a signed token for a client or API caller",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args, "hub-config.json"))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set, tokens cannot be minted")
			}

			user, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			perms, _ := cmd.Flags().GetStringSlice("permission")
			expiry, _ := cmd.Flags().GetDuration("expiry")

			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if role != auth.RoleAdmin && role != auth.RoleUser {
				return fmt.Errorf("--role must be %q or %q", auth.RoleAdmin, auth.RoleUser)
			}
			if expiry > 0 {
				cfg.Auth.JWTExpiry.Duration = expiry
			}

			token, err := auth.NewService(cfg.Auth).MintToken(auth.Identity{
				UserID:      user,
				Username:    user,
				Role:        role,
				Permissions: perms,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id carried by the token")
	cmd.Flags().String("role", auth.RoleUser, "admin or user")
	cmd.Flags().StringSlice("permission", nil, "permission glob, repeatable (e.g. tool:fetch_*)")
	cmd.Flags().Duration("expiry", 0, "token lifetime (default auth.jwt_expiry)")
	return cmd
}
