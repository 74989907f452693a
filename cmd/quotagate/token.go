package main

import (
	"fmt"
	"io"
	"time"

	"github.com/nhalm/quotagate/internal/config"
	"github.com/nhalm/quotagate/token"
	"github.com/spf13/cobra"
)

var tokenFlags struct {
	subject  string
	plan     string
	customer string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with bearer tokens",
}

var tokenSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a development bearer token",
	Long: `Sign an HS256 bearer token with auth.jwt_secret.

Examples:
  quotagate token sign --subject sub_123 --plan pro
  quotagate token sign --subject sub_123 --plan pro --ttl 24h`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return signToken(cmd.OutOrStdout(), cfg.Auth, tokenFlags.subject, tokenFlags.plan, tokenFlags.customer, tokenFlags.ttl)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSignCmd)

	tokenSignCmd.Flags().StringVar(&tokenFlags.subject, "subject", "", "subscriber id")
	tokenSignCmd.Flags().StringVar(&tokenFlags.plan, "plan", "", "plan id")
	tokenSignCmd.Flags().StringVar(&tokenFlags.customer, "customer", "", "billing customer id")
	tokenSignCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = tokenSignCmd.MarkFlagRequired("subject")
	_ = tokenSignCmd.MarkFlagRequired("plan")
}

func signToken(w io.Writer, cfg config.AuthConfig, subject, plan, customer string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = cfg.TokenTTL
	}
	opts := []token.Option{token.WithTTL(ttl)}
	if cfg.JWTIssuer != "" {
		opts = append(opts, token.WithIssuer(cfg.JWTIssuer))
	}

	signer, err := token.NewSigner([]byte(cfg.JWTSecret), opts...)
	if err != nil {
		return err
	}
	tok, expires, err := signer.Sign(subject, plan, customer)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(w, tok)
	fmt.Fprintf(w, "# expires %s\n", expires.UTC().Format(time.RFC3339))
	return nil
}
