package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/broker"
	"github.com/xela07ax/webasset-gate/internal/catalog"
	"github.com/xela07ax/webasset-gate/internal/connectors"
	"github.com/xela07ax/webasset-gate/internal/policy"
)

func credentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage master credentials of assets",
	}
	cmd.AddCommand(rotateCommand())
	return cmd
}

func rotateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate <asset>",
		Short: "Write new master credentials for an asset",
		Long: `Write new master credentials for an asset into the secret store and record
a credential_rotated audit event. Values are never printed or logged.

Examples:
  gatectl credentials rotate bmg --set username=svc-bmg --set password="$NEW_PASS"`,
		Args: cobra.ExactArgs(1),
		RunE: runRotate,
	}

	cmd.Flags().StringToString("set", nil, "Secret fields to write, key=value (repeatable)")
	cmd.Flags().String("actor", "", "Actor recorded in the audit log (default: current OS user)")
	_ = cmd.MarkFlagRequired("set")

	return cmd
}

func runRotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	assetID := args[0]
	fields, _ := cmd.Flags().GetStringToString("set")
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		actor = currentUser()
	}

	cat := catalog.Builtin()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return err
		}
	}

	rel := connectors.NewReliabilityWrapper(connectors.ReliabilityConfig{
		Name:        "infisical",
		MaxRequests: cfg.Vault.CBMaxRequests,
		Interval:    cfg.Vault.CBInterval,
		Timeout:     cfg.Vault.CBTimeout,
		CallTimeout: cfg.Vault.Timeout,
	})
	vault := connectors.NewInfisicalClient(connectors.InfisicalConfig{
		URL:         cfg.Vault.URL,
		Token:       cfg.Vault.Token,
		Environment: cfg.Vault.Environment,
	}, nil, rel, zap.NewNop())

	enforcer := policy.NewMemoEnforcer(cat.Policies(), nil, zap.NewNop())
	brk := broker.New(vault, cat, enforcer, broker.Config{
		PathTemplate:     cfg.Vault.PathTemplate,
		CustomAssetsPath: cfg.Vault.CustomAssetsPath,
	}, zap.NewNop())

	// Сначала журнал: без него ротация не выполняется
	trail, closeFn, err := openTrail(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := brk.Rotate(cmd.Context(), assetID, fields); err != nil {
		return err
	}

	if _, err := trail.Record(cmd.Context(), audit.Event{
		ActorID: actor,
		Action:  audit.ActionCredentialRotated,
		Details: map[string]string{audit.DetailAsset: assetID},
	}); err != nil {
		return fmt.Errorf("credentials rotated but audit record failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rotated %d field(s) of %s\n", len(fields), assetID)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "gatectl"
}
