package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/webasset-gate/internal/audit"
)

func auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local audit log",
	}
	cmd.AddCommand(auditListCommand())
	cmd.AddCommand(auditVerifyCommand())
	return cmd
}

func auditListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events of one operator, newest first",
		Long: `List audit events of one operator, newest first.

Examples:
  gatectl audit list --owner u-42
  gatectl audit list --owner u-42 --since 2024-03-01T00:00:00Z --limit 500 -o json`,
		RunE: runAuditList,
	}

	cmd.Flags().String("owner", "", "Operator id (required)")
	cmd.Flags().String("since", "", "Lower bound, RFC3339")
	cmd.Flags().String("until", "", "Upper bound, RFC3339")
	cmd.Flags().Int("limit", audit.DefaultQueryLimit, "Maximum number of events")
	cmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	owner, _ := cmd.Flags().GetString("owner")
	limit, _ := cmd.Flags().GetInt("limit")
	output, _ := cmd.Flags().GetString("output")
	since, err := timeFlag(cmd, "since")
	if err != nil {
		return err
	}
	until, err := timeFlag(cmd, "until")
	if err != nil {
		return err
	}

	trail, closeFn, err := openTrail(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	events, err := trail.Query(cmd.Context(), owner, since, until, limit)
	if err != nil {
		return err
	}
	if output != "table" {
		return printStructured(cmd.OutOrStdout(), output, events)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tSOURCE\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Timestamp.Format(time.RFC3339), e.Action, e.SourceAddress, formatDetails(e.Details))
	}
	return w.Flush()
}

func auditVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain end to end",
		RunE:  runAuditVerify,
	}
	cmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	return cmd
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")

	trail, closeFn, err := openTrail(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	report, err := trail.Verify(cmd.Context())
	if err != nil {
		return err
	}

	if output != "table" {
		if err := printStructured(cmd.OutOrStdout(), output, report); err != nil {
			return err
		}
	} else if report.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d events verified\n", report.Checked)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "BROKEN at seq %d: %s (%d events checked)\n", report.BrokenSeq, report.Reason, report.Checked)
	}

	if !report.OK {
		return fmt.Errorf("audit chain broken at seq %d", report.BrokenSeq)
	}
	return nil
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+details[k])
	}
	return strings.Join(parts, " ")
}
