package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/artpar/utter/adapters/auth"
	"github.com/artpar/utter/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint a bearer token for local testing",
	Long: `Mint an HS256 bearer token signed with auth.jwt_secret.

Without a user id a new UUID is generated.

Examples:
  utter token
  TOKEN=$(utter token 3f1c...e9 --quiet)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runToken,
}

var (
	tokenTTL   time.Duration
	tokenQuiet bool
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	tokenCmd.Flags().BoolVarP(&tokenQuiet, "quiet", "q", false, "print only the token")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}

	user := uuid.NewString()
	if len(args) == 1 {
		if user, err = parseUserID(args[0]); err != nil {
			return err
		}
	}
	ttl := cfg.Auth.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}

	tok, exp, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl).GenerateToken(user)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	out := cmd.OutOrStdout()
	if tokenQuiet {
		fmt.Fprintln(out, tok)
		return nil
	}
	fmt.Fprintf(out, "User:    %s\n", user)
	fmt.Fprintf(out, "Expires: %s\n", exp.Format(time.RFC3339))
	fmt.Fprintf(out, "Token:   %s\n", tok)
	return nil
}
