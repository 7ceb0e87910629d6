package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/spf13/cobra"
)

func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long:  `Mint an HS256 bearer token for the HTTP API, signed with api.jwt_secret.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set")
			}
			user, _ := cmd.Flags().GetString("user")
			admin, _ := cmd.Flags().GetBool("admin")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := utils.SignCallerToken(callerID(user), admin, ttl, cfg.API.JWTSecret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringP("user", "u", "", "token subject (default: $USER)")
	cmd.Flags().Bool("admin", false, "grant the admin claim")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
