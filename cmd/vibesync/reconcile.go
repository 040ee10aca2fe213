package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/reconcile"
)

var reconcileActionFlag string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit linked issues against both remotes once and exit",
	Long: `Checks every mapped issue's foreign IDs against the PM and the tracker.
Rows whose remote counterpart vanished are retired according to the
configured action: mark_deleted (default), hard_delete, or dry_run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileActionFlag, "action", "",
		"Override the reconciliation action (mark_deleted, hard_delete, dry_run)")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(ctx context.Context) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	actionName := cfg.ReconcileAction
	if reconcileActionFlag != "" {
		actionName = reconcileActionFlag
	}
	action, err := reconcile.ParseAction(actionName)
	if err != nil {
		return exitWith(1, err)
	}

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := reconcile.New(eng.st, eng.pm, eng.trackers, action).ReconcileAll(ctx)
	if err != nil {
		return err
	}
	debug.PrintNormal("reconcile (%s): %d checked, %d missing in PM, %d missing in tracker, %d marked, %d deleted\n",
		action, res.Checked, res.MissingPM, res.MissingTrkr, res.Marked, res.Deleted)
	return nil
}
