package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/imhub/internal/auth"
	"github.com/memohai/imhub/internal/config"
)

var (
	tokenSubject string
	tokenTTL     string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token for POST /internal/completions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl == "" {
			ttl = cfg.Auth.JWTExpiresIn
		}
		signed, expiresAt, err := auth.GenerateToken(tokenSubject, cfg.Auth.JWTSecret, config.Duration(ttl, 720*time.Hour))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "processor", "caller name stored in the token")
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "", "token lifetime, defaults to auth.jwt_expires_in")
}
