package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/infra"
	"github.com/xela07ax/webasset-gate/internal/repository"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatectl",
		Short: "Operate the web asset gate",
		Long: `gatectl talks directly to the gate's audit store, secret store and Redis
control plane. It reads the same config.yaml as the gate itself.

Quick start:
  gatectl audit verify                          # Check audit hash chain
  gatectl audit list --owner u-42               # Show an operator's events
  gatectl operators block u-42                  # Lock out an operator
  gatectl policy set bmg bmg-access auditors    # Override asset groups`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	cmd.AddCommand(auditCommand())
	cmd.AddCommand(credentialsCommand())
	cmd.AddCommand(policyCommand())
	cmd.AddCommand(operatorsCommand())
	cmd.AddCommand(tokenCommand())

	return cmd
}

func loadConfig(cmd *cobra.Command) (*infra.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := infra.LoadConfigFrom(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openTrail открывает локальный журнал без зеркалирования наверх.
func openTrail(ctx context.Context, cfg *infra.Config) (*audit.Trail, func(), error) {
	store, closeFn, err := repository.OpenAuditStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewTrail(store, nil, zap.NewNop()), closeFn, nil
}

func redisClient(cfg *infra.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis.addr is not configured")
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}), nil
}

// printStructured печатает v как json или yaml.
func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
