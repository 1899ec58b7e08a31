package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
)

// RunsCmd inspects the execution ledger
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the execution ledger",
	Long: `Inspect the execution ledger: one entry per dispatch attempt plus
one master entry per pass, linked into trees.

Ledger commands:
  chime runs ls              # List recent executions
  chime runs show <id>       # Show one execution in full`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent executions",
	Long: `List recent execution log entries, newest first.

Status filters:
  pending  - Still running
  success  - Completed cleanly
  failed   - Completed with an error
  warning  - Completed with per-job errors (master entries)

Examples:
  chime runs ls                   # Recent executions
  chime runs ls --status failed   # Recent failures
  chime runs ls --limit 50        # Show up to 50 entries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runRunsLs(statusFilter, limit)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one execution in full",
	Long: `Display one execution log entry in full: status, lineage,
payloads, error detail and children.

Example:
  chime runs show 1042`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunsShow(args[0])
	},
}

func init() {
	runsLsCmd.Flags().String("status", "", "Filter by status (pending, success, failed, warning)")
	runsLsCmd.Flags().Int("limit", 20, "Maximum number of entries to display")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
}

// withLedgerStore opens the ledger store, runs fn against it and closes up.
func withLedgerStore(fn func(entries *ledger.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, gateway, err := openGateway(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(ledger.NewStore(gateway))
}

func runRunsLs(statusFilter string, limit int) error {
	return withLedgerStore(func(entries *ledger.Store) error {
		list, err := entries.ListRecent(limit, ledger.Status(statusFilter))
		if err != nil {
			return errors.Wrap(err, "failed to list executions")
		}

		if len(list) == 0 {
			pterm.Info.Println("No executions found")
			return nil
		}

		fmt.Printf("%-8s %-24s %-8s %-7s %-17s %s\n", "RUN ID", "APP/SERVICE", "STATUS", "SOURCE", "STARTED", "DURATION")
		fmt.Printf("%-8s %-24s %-8s %-7s %-17s %s\n", "------", "-----------", "------", "------", "-------", "--------")

		for _, entry := range list {
			fmt.Printf("%-8d %-24s %-8s %-7s %-17s %s\n",
				entry.ID,
				truncate(entry.App+"/"+entry.Service, 24),
				entry.Status,
				entry.TriggerSource,
				entry.StartedAt.Format("2006-01-02 15:04"),
				formatRunDuration(entry),
			)
		}

		fmt.Printf("\nTotal: %d execution(s)\n", len(list))
		return nil
	})
}

func runRunsShow(rawID string) error {
	runID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return errors.Newf("run id %q is not numeric", rawID)
	}

	return withLedgerStore(func(entries *ledger.Store) error {
		entry, err := entries.Get(runID)
		if err != nil {
			return errors.Wrapf(err, "failed to get run %d", runID)
		}

		fmt.Printf("Run ID: %d\n", entry.ID)
		fmt.Printf("  App:     %s\n", entry.App)
		fmt.Printf("  Service: %s\n", entry.Service)
		fmt.Printf("  Status:  %s\n", entry.Status)
		fmt.Printf("  Source:  %s\n", entry.TriggerSource)
		fmt.Printf("  Token:   %s\n", entry.InvocationToken)
		fmt.Printf("\n")

		if !entry.IsRoot() {
			fmt.Printf("Lineage:\n")
			if entry.RootID != nil {
				fmt.Printf("  Root:   %d\n", *entry.RootID)
			}
			fmt.Printf("  Parent: %d\n", *entry.ParentID)
			fmt.Printf("\n")
		}

		fmt.Printf("Started:  %s\n", entry.StartedAt.Format("2006-01-02 15:04:05"))
		if entry.FinishedAt != nil {
			fmt.Printf("Finished: %s\n", entry.FinishedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Duration: %s\n", entry.Duration().Round(time.Millisecond))
		}

		if entry.RequestPayload != nil && *entry.RequestPayload != "" {
			fmt.Printf("\nRequest payload:\n  %s\n", *entry.RequestPayload)
		}
		if entry.ResponsePayload != nil && *entry.ResponsePayload != "" {
			fmt.Printf("\nResponse payload:\n  %s\n", *entry.ResponsePayload)
		}
		if entry.ErrorMessage != nil && *entry.ErrorMessage != "" {
			fmt.Printf("\n")
			pterm.Error.Printf("Error: %s\n", *entry.ErrorMessage)
		}
		if len(entry.Metadata) > 0 {
			fmt.Printf("\nMetadata:\n")
			for key, value := range entry.Metadata {
				fmt.Printf("  %s: %v\n", key, value)
			}
		}

		children, err := entries.Children(entry.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to list children of run %d", runID)
		}
		if len(children) > 0 {
			fmt.Printf("\nChildren (%d):\n", len(children))
			for _, child := range children {
				fmt.Printf("  %-8d %-24s %s\n", child.ID, truncate(child.App+"/"+child.Service, 24), child.Status)
			}
		}

		return nil
	})
}

func formatRunDuration(entry *ledger.Entry) string {
	if entry.FinishedAt == nil {
		return "running"
	}
	return entry.Duration().Round(time.Millisecond).String()
}
