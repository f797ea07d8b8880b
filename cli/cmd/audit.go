package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer/audit"
)

var (
	auditJSONOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditFileID        string
	auditOwner         int64
	auditLimit         int
	auditOffset        int
	auditPasswordOnly  bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long: `Query the file audit log written when audit.type is "file".

Every unlock, lock, password change and file operation is recorded with its
outcome, owner and file id. File contents and passwords are never logged.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Failed events in the last 24 hours
  coffer audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Unlock, lock and password events
  coffer audit query --password-only

  # Everything that happened to one file
  coffer audit query --file-id 1b0c...`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarise audit events by action",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJSONOutput, "json", false, "output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "show events since this time (RFC3339)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "show events until this time (RFC3339)")

	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditFileID, "file-id", "", "filter by file id")
	auditQueryCmd.Flags().Int64Var(&auditOwner, "owner-id", 0, "filter by owner id")
	auditQueryCmd.Flags().BoolVar(&auditPasswordOnly, "password-only", false, "show only unlock, lock and password events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show detailed event information")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJSONOutput {
		return printJSON(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d of %d matching events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Print(" (use --offset for more)")
	}
	fmt.Println()
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	summary := summarize(result.Events)
	if auditJSONOutput {
		return printJSON(summary)
	}

	fmt.Printf("Total events: %d (failed: %d)\n", summary.TotalEvents, summary.FailedEvents)
	if summary.FirstEvent != nil {
		fmt.Printf("Time range:   %s to %s\n", formatTime(*summary.FirstEvent), formatTime(*summary.LastEvent))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tCOUNT")
	for _, ac := range summary.Actions {
		fmt.Fprintf(w, "%s\t%d\n", ac.Action, ac.Count)
	}
	return w.Flush()
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:          auditLimit,
		Offset:         auditOffset,
		Action:         auditAction,
		FileID:         auditFileID,
		OwnerID:        auditOwner,
		PasswordAccess: auditPasswordOnly,
	}

	if auditSince != "" {
		parsed, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsed
	}
	if auditUntil != "" {
		parsed, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsed
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", formatTime(event.Timestamp))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.FileID != "" {
				fmt.Fprintf(w, "File ID:\t%s\n", event.FileID)
			}
			if event.OwnerID != 0 {
				fmt.Fprintf(w, "Owner:\t%d\n", event.OwnerID)
			}
			if event.Duration > 0 {
				fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)
			}
			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for k, v := range event.Metadata {
					fmt.Fprintf(w, "%s=%v ", k, v)
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, "----------------------------------------")
		}
		return w.Flush()
	}

	fmt.Fprintln(w, "TIMESTAMP\tACTION\tSTATUS\tOWNER\tFILE\tERROR")
	for _, event := range events {
		fileID := event.FileID
		if len(fileID) > 12 {
			fileID = fileID[:12] + "..."
		}
		owner := ""
		if event.OwnerID != 0 {
			owner = strconv.FormatInt(event.OwnerID, 10)
		}
		errorMsg := event.Error
		if len(errorMsg) > 30 {
			errorMsg = errorMsg[:30] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(event.Timestamp), event.Action, eventStatus(event), owner, fileID, errorMsg)
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

// AuditSummary counts events per action
type AuditSummary struct {
	TotalEvents  int           `json:"total_events"`
	FailedEvents int           `json:"failed_events"`
	FirstEvent   *time.Time    `json:"first_event,omitempty"`
	LastEvent    *time.Time    `json:"last_event,omitempty"`
	Actions      []ActionCount `json:"actions"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func summarize(events []audit.Event) AuditSummary {
	summary := AuditSummary{TotalEvents: len(events)}
	counts := make(map[string]int)

	for i := range events {
		e := events[i]
		counts[e.Action]++
		if !e.Success {
			summary.FailedEvents++
		}
		if summary.FirstEvent == nil || e.Timestamp.Before(*summary.FirstEvent) {
			ts := e.Timestamp
			summary.FirstEvent = &ts
		}
		if summary.LastEvent == nil || e.Timestamp.After(*summary.LastEvent) {
			ts := e.Timestamp
			summary.LastEvent = &ts
		}
	}

	summary.Actions = make([]ActionCount, 0, len(counts))
	for action, count := range counts {
		summary.Actions = append(summary.Actions, ActionCount{Action: action, Count: count})
	}
	sort.Slice(summary.Actions, func(i, j int) bool {
		if summary.Actions[i].Count != summary.Actions[j].Count {
			return summary.Actions[i].Count > summary.Actions[j].Count
		}
		return summary.Actions[i].Action < summary.Actions[j].Action
	})
	return summary
}
