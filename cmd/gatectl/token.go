package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
)

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue operator tokens for test benches",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an RS256 operator token with a local private key",
		Long: `Sign an RS256 operator token. In production tokens come from the IdP;
this is for stands where the gate trusts a locally generated key pair.

Examples:
  gatectl token issue --key ./dev/idp.pem --sub u-42 --group banking-users --group bmg-access`,
		RunE: runTokenIssue,
	}
	issue.Flags().String("key", "", "Path to PEM private key (required)")
	issue.Flags().String("sub", "", "Operator id (required)")
	issue.Flags().String("email", "", "Operator email")
	issue.Flags().StringSlice("group", nil, "Group membership (repeatable)")
	issue.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = issue.MarkFlagRequired("key")
	_ = issue.MarkFlagRequired("sub")

	cmd.AddCommand(issue)
	return cmd
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	keyPath, _ := cmd.Flags().GetString("key")
	sub, _ := cmd.Flags().GetString("sub")
	email, _ := cmd.Flags().GetString("email")
	groups, _ := cmd.Flags().GetStringSlice("group")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	pemData, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	key, err := auth.ParseRSAPrivateKey(pemData)
	if err != nil {
		return err
	}

	now := time.Now()
	token, err := auth.IssueToken(key, &domain.CustomClaims{
		Email:  email,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
