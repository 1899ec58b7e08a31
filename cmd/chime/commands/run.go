package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

// RunCmd executes one scheduling pass on demand
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one scheduling pass on demand",
	Long: `Execute one scheduling pass right now, without the daemon.

By default the pass evaluates every schedulable job against its window,
exactly like a timer pass. Flags narrow or force the selection:

  --bypass-window   Dispatch due jobs even outside their time window
  --force <ids>     Force the listed jobs, ignoring windows and status
  --job <id>        Force a single job (shorthand for --force with one id)

The pass is recorded in the execution ledger with a manual trigger source.

Examples:
  chime run                          # Standard pass
  chime run --bypass-window          # Ignore time windows
  chime run --job SJ_abc123          # Force one job through
  chime run --force SJ_a,SJ_b        # Force a set of jobs`,
	RunE: runRun,
}

var (
	runBypassWindow bool
	runForceIDs     []string
	runJobID        string
)

func init() {
	RunCmd.Flags().BoolVar(&runBypassWindow, "bypass-window", false, "Dispatch due jobs even outside their time window")
	RunCmd.Flags().StringSliceVar(&runForceIDs, "force", nil, "Force the listed job ids, ignoring windows and status")
	RunCmd.Flags().StringVar(&runJobID, "job", "", "Force a single job id")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, gateway, err := openGateway(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs := schedule.NewStore(gateway)
	entries := ledger.NewStore(gateway)

	eng, err := buildEngine(cfg, gateway, jobs, entries)
	if err != nil {
		return err
	}

	opts := engine.Options{
		BypassWindow:    runBypassWindow,
		ForceServiceIDs: runForceIDs,
		ScheduleID:      runJobID,
		Source:          ledger.SourceManual,
	}

	// A pass can block on slow dispatch targets; let Ctrl+C cancel it
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spinner, _ := pterm.DefaultSpinner.Start("Running scheduling pass...")
	start := time.Now()
	results, masterLogID, err := eng.Run(ctx, opts)
	elapsed := time.Since(start).Round(time.Millisecond)
	if spinner != nil {
		spinner.Stop()
	}

	if err != nil {
		pterm.Error.Printf("Pass failed: %v\n", err)
		return err
	}

	printPassSummary(results, masterLogID, elapsed)
	return nil
}

// printPassSummary renders one pass result for the terminal.
func printPassSummary(results *engine.PassResults, masterLogID *int64, elapsed time.Duration) {
	if results.Failed > 0 {
		pterm.Warning.Printf("Pass completed with failures in %s\n", elapsed)
	} else {
		pterm.Success.Printf("Pass completed in %s\n", elapsed)
	}

	fmt.Printf("  Processed:  %d\n", results.Processed)
	fmt.Printf("  Successful: %d\n", results.Successful)
	fmt.Printf("  Failed:     %d\n", results.Failed)
	fmt.Printf("  Skipped:    %d\n", results.Skipped)
	if results.StuckReclaimed > 0 {
		fmt.Printf("  Reclaimed:  %d\n", results.StuckReclaimed)
	}
	if masterLogID != nil {
		fmt.Printf("  Master log: %d\n", *masterLogID)
	}

	if len(results.Triggered) > 0 {
		fmt.Printf("\nTriggered:\n")
		for _, svc := range results.Triggered {
			fmt.Printf("  %s  %s/%s\n", svc.ID, svc.App, svc.Service)
		}
	}

	if len(results.Errors) > 0 {
		fmt.Printf("\n")
		pterm.Warning.Printf("%d error(s):\n", len(results.Errors))
		for _, msg := range results.Errors {
			fmt.Printf("  %s\n", msg)
		}
	}
}
