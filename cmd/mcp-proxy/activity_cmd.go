package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticwork/mcp-proxy/internal/cliclient"
)

var (
	activityCmd = &cobra.Command{
		Use:   "activity",
		Short: "Inspect the proxy's audit trail",
		Long: `Inspect the audit records the proxy keeps locally.

Examples:
  # Most recent activity
  mcp-proxy activity list

  # Failed tool calls against one server
  mcp-proxy activity list --type tool_call --server alpha --status error

  # Page through older records
  mcp-proxy activity list -n 100 --offset 200`,
	}

	activityListCmd = &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		RunE:  runActivityList,
	}

	activityType   string
	activityUser   string
	activityServer string
	activityTool   string
	activityStatus string
	activityLimit  int
	activityOffset int
	activityOutput string
)

// GetActivityCommand returns the activity command group.
func GetActivityCommand() *cobra.Command {
	return activityCmd
}

func init() {
	activityCmd.AddCommand(activityListCmd)

	activityListCmd.Flags().StringVar(&activityType, "type", "",
		"Filter by record type (tool_call, policy_decision, provider_change, auth_event)")
	activityListCmd.Flags().StringVar(&activityUser, "user", "", "Filter by user ID")
	activityListCmd.Flags().StringVar(&activityServer, "server", "", "Filter by server name")
	activityListCmd.Flags().StringVar(&activityTool, "tool", "", "Filter by tool name")
	activityListCmd.Flags().StringVar(&activityStatus, "status", "",
		"Filter by outcome (success, error, denied)")
	activityListCmd.Flags().IntVarP(&activityLimit, "limit", "n", 50, "Records per page (1-100)")
	activityListCmd.Flags().IntVar(&activityOffset, "offset", 0, "Records to skip")
	addOutputFlag(activityListCmd.Flags(), &activityOutput)
}

func runActivityList(_ *cobra.Command, _ []string) error {
	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(30 * time.Second)
	defer cancel()

	page, err := client.Activity(ctx, cliclient.ActivityFilter{
		Type:   activityType,
		UserID: activityUser,
		Server: activityServer,
		Tool:   activityTool,
		Status: activityStatus,
		Limit:  activityLimit,
		Offset: activityOffset,
	})
	if err != nil {
		return err
	}
	if activityOutput == "json" {
		return printJSON(page)
	}

	if len(page.Records) == 0 {
		fmt.Println("No activity records found")
		return nil
	}

	fmt.Printf("%-16s %-16s %-15s %-22s %-8s %9s  %s\n",
		"TIME", "TYPE", "SERVER", "TOOL", "STATUS", "DURATION", "USER")
	for _, rec := range page.Records {
		fmt.Printf("%-16s %-16s %-15s %-22s %-8s %9s  %s\n",
			formatRelativeTime(rec.Timestamp),
			rec.Type,
			orDash(rec.Provider),
			orDash(rec.Tool),
			rec.Status,
			formatActivityDuration(rec.DurationMs),
			orDash(rec.UserID))
	}
	fmt.Printf("\nShowing %d of %d records\n", len(page.Records), page.Total)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatRelativeTime renders recent timestamps as an age and older
// ones as a date.
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func formatActivityDuration(ms int64) string {
	switch {
	case ms <= 0:
		return "-"
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	default:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
}
