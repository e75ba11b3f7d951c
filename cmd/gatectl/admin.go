package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/webasset-gate/internal/repository/redisstore"
)

func policyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Override asset access groups (Redis control plane)",
	}

	set := &cobra.Command{
		Use:   "set <asset> <group>...",
		Short: "Replace the groups allowed to open an asset",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := policyRepo(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := repo.SetOverride(cmd.Context(), args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy for %s set to %v\n", args[0], args[1:])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <asset>",
		Short: "Drop the override, the asset falls back to catalog groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := policyRepo(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := repo.DeleteOverride(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy override for %s removed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

func operatorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "Lock out operators; live sessions of a blocked operator are stopped",
	}
	cmd.AddCommand(lockoutCommand("block", true), lockoutCommand("unblock", false))
	return cmd
}

func lockoutCommand(use string, blocked bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <owner-id>",
		Short: fmt.Sprintf("Set blocked=%t for an operator on every gate instance", blocked),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rdb, err := redisClient(cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			if err := redisstore.NewOperatorRepo(rdb).SetBlocked(cmd.Context(), args[0], blocked); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operator %s: blocked=%t\n", args[0], blocked)
			return nil
		},
	}
}

func policyRepo(cmd *cobra.Command) (*redisstore.PolicyRepo, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := redisClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewPolicyRepo(rdb), func() { _ = rdb.Close() }, nil
}
