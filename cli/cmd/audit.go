package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditEntryID       string
	auditLimit         int
	auditOffset        int
	auditAuthOnly      bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze the audit log",
	Long: `Query the audit log of the vault. Only the file audit backend can be queried;
syslog and zerolog events go to their own sinks.

Audit events never contain PINs, keys or entry content.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Everything, newest first
  provisionkey audit query

  # Failed unlocks and self-destructs in the last day
  provisionkey audit query --auth-only --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # History of a single entry
  provisionkey audit query --entry-id 1718000000000`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")

	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditEntryID, "entry-id", "", "Filter by entry ID")
	auditQueryCmd.Flags().BoolVar(&auditAuthOnly, "auth-only", false, "Show only PIN, biometric and wipe events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show event metadata")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := vaultSvc.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		printHint("%d of %d matching events shown, use --offset %d for more",
			len(result.Events), result.Filtered, options.Offset+len(result.Events))
	}
	return nil
}

type auditSummary struct {
	VaultID          string         `json:"vault_id"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	FailedUnlocks    int            `json:"failed_unlocks"`
	SelfDestructs    int            `json:"self_destructs"`
	Actions          map[string]int `json:"actions"`
	LastActivity     time.Time      `json:"last_activity"`
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := vaultSvc.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	summary := auditSummary{
		VaultID: vaultID,
		Actions: make(map[string]int),
	}
	for _, e := range result.Events {
		summary.TotalEvents++
		if e.Success {
			summary.SuccessfulEvents++
		} else {
			summary.FailedEvents++
		}
		switch e.Action {
		case "UNLOCK_PIN_REJECTED":
			summary.FailedUnlocks++
		case "VAULT_SELF_DESTRUCT":
			summary.SelfDestructs++
		}
		summary.Actions[e.Action]++
		if e.Timestamp.After(summary.LastActivity) {
			summary.LastActivity = e.Timestamp
		}
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	fmt.Printf("Audit Summary for Vault: %s\n", summary.VaultID)
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Total Events: %d\n", summary.TotalEvents)
	fmt.Printf("Successful Events: %d\n", summary.SuccessfulEvents)
	fmt.Printf("Failed Events: %d\n", summary.FailedEvents)
	fmt.Printf("Rejected PINs: %d\n", summary.FailedUnlocks)
	fmt.Printf("Self-destructs: %d\n", summary.SelfDestructs)

	if !summary.LastActivity.IsZero() {
		fmt.Printf("Last Activity: %s\n", summary.LastActivity.Local().Format(time.DateTime))
	} else {
		fmt.Printf("Last Activity: -\n")
	}

	if len(summary.Actions) > 0 {
		actions := make([]string, 0, len(summary.Actions))
		for a := range summary.Actions {
			actions = append(actions, a)
		}
		sort.Strings(actions)

		fmt.Println("\nEvents by Action:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, a := range actions {
			fmt.Fprintf(w, "  %s\t%d\n", a, summary.Actions[a])
		}
		_ = w.Flush()
	}
	return nil
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		VaultID:    vaultID,
		Limit:      auditLimit,
		Offset:     auditOffset,
		Action:     auditAction,
		EntryID:    auditEntryID,
		AuthEvents: auditAuthOnly,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIME\tACTION\tRESULT\tENTRY\tERROR")
	for _, e := range events {
		result := color.GreenString("ok")
		if !e.Success {
			result = color.RedString("failed")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, result, dash(e.EntryID), dash(e.Error))

		if auditDetails && len(e.Metadata) > 0 {
			keys := make([]string, 0, len(e.Metadata))
			for k := range e.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "\t  %s=%v\t\t\t\n", k, e.Metadata[k])
			}
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
