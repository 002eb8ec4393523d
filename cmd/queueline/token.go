package main

import (
	"fmt"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/identity/jwt"
	"github.com/spf13/cobra"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user (development and tooling)",
		Args:  cobra.ExactArgs(1),
		RunE:  mintToken,
	}

	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleCustomer), "role claim (customer|staff|admin)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func mintToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	role := domain.Role(tokenRole)
	if !role.IsValid() {
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	authenticator := jwt.NewAuthenticator(jwt.Config{
		SecretKey:     cfg.JWT.SecretKey,
		Issuer:        cfg.JWT.Issuer,
		TokenDuration: tokenTTL,
	})

	token, expiresAt, err := authenticator.GenerateToken(args[0], role)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
