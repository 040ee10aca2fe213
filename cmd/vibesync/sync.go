package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/fullsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync over every project and exit",
	Long: `Bulk-fetches all projects from the PM and syncs each one with bounded
concurrency. An interrupted run resumes from its last checkpoint on the
next invocation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFullSync(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runFullSync(ctx context.Context) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	projects, err := eng.discoverProjects(ctx)
	if err != nil {
		return exitWith(2, err)
	}
	eng.ensureTrackerRepos(ctx, projects)

	if err := eng.orch.RecoverPendingOps(ctx); err != nil {
		debug.Warnf("pending-op recovery: %v", err)
	}

	parallel := cfg.MaxWorkers
	if !cfg.Parallel {
		parallel = 1
	}
	totals, err := fullsync.New(eng.st, eng.pm, eng.orch, parallel).Run(ctx)
	if err != nil {
		return err
	}
	debug.PrintNormal("full sync: %d project(s), %d created, %d updated, %d skipped, %d failed\n",
		totals.Projects, totals.Created, totals.Updated, totals.Skipped, totals.Failed)
	if totals.Resumed > 0 {
		debug.PrintNormal("resumed past %d previously-completed project(s)\n", totals.Resumed)
	}
	return nil
}
