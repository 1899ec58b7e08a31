package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/chime/cmd/chime/commands"
	"github.com/teranos/chime/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chime",
	Short: "chime - periodic job dispatcher",
	Long: `chime - periodic job dispatcher.

chime keeps a catalog of scheduled jobs, decides on a fixed cadence
which are due, POSTs each one to its HTTP endpoint, and records every
attempt in an execution ledger.

Available commands:
  serve   - Run the dispatcher daemon (ticker + HTTP API + websocket feed)
  run     - Execute one scheduling pass on demand
  jobs    - Manage the scheduled-job catalog
  runs    - Inspect the execution ledger
  config  - Show and validate configuration
  version - Show version information

Examples:
  chime serve                   # Run the daemon in foreground
  chime run --job SJ_abc123     # Force one job through right now
  chime jobs ls                 # List the job catalog
  chime runs ls --status failed # Recent failed executions
  chime config show             # Show effective configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Leave the logger quiet for commands whose stdout gets piped
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithVerbosity(false, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file path (overrides the config cascade)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
