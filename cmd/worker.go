package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers outside the HTTP server.`,
}

var sweeperWorkerCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Start the reconciliation sweeper",
	Long:  `Periodically query the gateway for intents that stopped moving, recover unfinished creations and re-apply stuck ledger entries.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeperWorker()
	},
}

var sweepOnce bool

func startSweeperWorker() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	deps, err := initializeDependencies(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	lg := deps.Logger
	if deps.Fake != nil {
		lg.Warn("the fake gateway keeps its state in memory; a standalone sweeper cannot see payments created by the server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sw := deps.Sweeper()
	if sweepOnce {
		report := sw.SweepOnce(ctx)
		lg.Info("sweep finished",
			"checked", report.Checked,
			"resolved", report.Resolved,
			"unchanged", report.Unchanged,
			"failed", report.Failed,
			"flagged", report.Flagged,
			"recovered", report.Recovered,
			"redriven", report.Redriven)
		return
	}

	deps.Reconciler.Start(ctx)

	lg.Info("sweeper worker is running. Press Ctrl+C to stop.",
		"interval", cfg.Sweeper.Interval,
		"grace_window", cfg.Sweeper.GraceWindow)

	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("sweeper stopped", "error", err)
		return
	}
	lg.Info("sweeper worker shutdown complete")
}

func init() {
	sweeperWorkerCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single pass and exit")

	workerCmd.AddCommand(sweeperWorkerCmd)
}
