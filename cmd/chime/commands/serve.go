package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chime/config"
	"github.com/teranos/chime/db"
	"github.com/teranos/chime/dispatch"
	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/logger"
	"github.com/teranos/chime/schedule"
	"github.com/teranos/chime/server"
	"github.com/teranos/chime/version"
)

// ServeCmd runs the dispatcher daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Run the chime dispatcher daemon",
	Long: `Run the chime dispatcher daemon in foreground mode.

The daemon will:
- Run a scheduling pass on wall-clock interval boundaries (default every 15m)
- Serve the HTTP API (trigger, jobs, runs, health) and the /ws event feed
- Watch the config file and apply dispatch/scheduler knobs between passes
- Run until interrupted (Ctrl+C) with graceful shutdown

Example:
  chime serve              # Run with the configured port
  chime serve --port 9000  # Override the listen port`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP listen port (0 = from config)")
}

// reloadableRunner lets config reloads swap the engine between passes
// without restarting the daemon. Implements engine.PassRunner and
// server.PassRunner.
type reloadableRunner struct {
	current atomic.Pointer[engine.Engine]
}

func newReloadableRunner(eng *engine.Engine) *reloadableRunner {
	r := &reloadableRunner{}
	r.current.Store(eng)
	return r
}

func (r *reloadableRunner) Run(ctx context.Context, opts engine.Options) (*engine.PassResults, *int64, error) {
	return r.current.Load().Run(ctx, opts)
}

func (r *reloadableRunner) swap(eng *engine.Engine) {
	r.current.Store(eng)
}

// buildEngine wires the dispatch chain from a config snapshot. Called at
// startup and again on every accepted config reload.
func buildEngine(cfg *config.Config, gateway *db.Gateway, jobs *schedule.Store, entries *ledger.Store) (*engine.Engine, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve scheduler timezone")
	}
	evaluator := schedule.NewEvaluator(loc, logger.Logger)
	reclaimer := schedule.NewReclaimer(gateway, logger.Logger)
	poller := dispatch.NewPoller(entries, cfg.Dispatch, logger.Logger)
	tokens := dispatch.NewStaticTokenSource(cfg.Dispatch.AuthToken)
	executor := dispatch.NewExecutor(cfg.Dispatch, poller, tokens, logger.Logger)
	return engine.New(jobs, entries, evaluator, reclaimer, executor, cfg.Scheduler.EffectiveParallelism(), logger.Logger), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
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
	runner := newReloadableRunner(eng)

	srv := server.New(cfg, gateway, jobs, entries, runner, nil, logger.Logger)
	ticker := engine.NewTicker(runner, srv, cfg.Scheduler.Interval(), logger.Logger)
	srv.SetTicker(ticker)

	// Reload dispatch/scheduler knobs between passes when the config file
	// changes. Origin and port changes still need a restart.
	watcher := startConfigWatcher(runner, gateway, jobs, entries)
	if watcher != nil {
		defer watcher.Stop()
	}

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	if port == 0 {
		port = config.DefaultServerPort
	}

	printServeBanner(cfg, port)

	ticker.Start()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		ticker.Stop()
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ticker.Stop()
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("chime daemon stopped")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// startConfigWatcher watches the governing config file, rebuilding the
// engine on accepted reloads. Returns nil when there is no file to watch.
func startConfigWatcher(runner *reloadableRunner, gateway *db.Gateway, jobs *schedule.Store, entries *ledger.Store) *config.Watcher {
	watchPath := ConfigPath
	if watchPath == "" {
		watchPath = config.ProjectConfigPath()
	}
	if watchPath == "" {
		logger.Debugw("No config file to watch, hot reload disabled")
		return nil
	}

	watcher, err := config.NewWatcher(watchPath)
	if err != nil {
		logger.Warnw("Config watcher unavailable, hot reload disabled",
			"path", watchPath,
			"error", err,
		)
		return nil
	}

	watcher.OnReload(func(next *config.Config) error {
		eng, err := buildEngine(next, gateway, jobs, entries)
		if err != nil {
			return err
		}
		runner.swap(eng)
		logger.Infow("Applied reloaded config to scheduler",
			"parallelism", next.Scheduler.EffectiveParallelism(),
			"dispatch_timeout", next.Dispatch.Timeout(),
			"poll_interval", next.Dispatch.PollInterval(),
		)
		return nil
	})
	watcher.Start()

	logger.Infow("Watching config file for changes", "path", watchPath)
	return watcher
}

// printServeBanner prints the user-facing startup summary.
func printServeBanner(cfg *config.Config, port int) {
	info := version.Get()

	pterm.Info.Printf("chime %s (commit %s) starting\n", info.Version, info.Short())
	fmt.Printf("  Database:    %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Port:        %d\n", port)
	fmt.Printf("  Cadence:     every %v\n", cfg.Scheduler.Interval())
	fmt.Printf("  Timezone:    %s\n", schedulerTimezoneName(cfg))
	fmt.Printf("  Parallelism: %d\n", cfg.Scheduler.EffectiveParallelism())
	fmt.Printf("\n")
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
	fmt.Printf("\n")
}

func schedulerTimezoneName(cfg *config.Config) string {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return cfg.Scheduler.Timezone
	}
	return loc.String()
}
