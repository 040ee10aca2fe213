// Package reconcile periodically audits mapped issues against both
// upstreams and retires rows whose foreign issue disappeared. The sync
// passes only see what changed; this is the slow loop that notices what
// vanished.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/types"
)

// Action selects what happens to a row whose upstream issue is gone.
type Action string

// Reconciliation actions
const (
	ActionMarkDeleted Action = "mark_deleted" // soft: flag the row, keep history
	ActionHardDelete  Action = "hard_delete"  // drop the row entirely
	ActionDryRun      Action = "dry_run"      // report only
)

// ParseAction validates a configured action string; empty means the
// default.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "":
		return ActionMarkDeleted, nil
	case ActionMarkDeleted, ActionHardDelete, ActionDryRun:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown reconciliation action: %q", s)
}

// DefaultInterval spaces reconciliation passes.
const DefaultInterval = time.Hour

// Result counts one reconciliation pass.
type Result struct {
	Checked     int
	MissingPM   int
	MissingTrkr int
	Marked      int
	Deleted     int
}

// Reconciler audits one project set.
type Reconciler struct {
	store  *store.Store
	pm     syncer.PM
	tracks syncer.TrackerFactory
	action Action
}

// New creates a reconciler.
func New(s *store.Store, pm syncer.PM, tracks syncer.TrackerFactory, action Action) *Reconciler {
	if action == "" {
		action = ActionMarkDeleted
	}
	return &Reconciler{store: s, pm: pm, tracks: tracks, action: action}
}

// Run loops hourly until ctx is cancelled. interval <= 0 uses the
// default.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				debug.Warnf("reconcile: pass failed: %v", err)
			}
		}
	}
}

// ReconcileAll audits every non-archived project.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*Result, error) {
	projects, err := r.store.ListProjects(ctx, false)
	if err != nil {
		return nil, err
	}
	total := &Result{}
	for _, p := range projects {
		res, err := r.ReconcileProject(ctx, p)
		if err != nil {
			debug.Warnf("reconcile: project %s: %v", p.Identifier, err)
			continue
		}
		total.Checked += res.Checked
		total.MissingPM += res.MissingPM
		total.MissingTrkr += res.MissingTrkr
		total.Marked += res.Marked
		total.Deleted += res.Deleted
	}
	debug.Logf("reconcile: checked=%d missing_pm=%d missing_tracker=%d marked=%d deleted=%d",
		total.Checked, total.MissingPM, total.MissingTrkr, total.Marked, total.Deleted)
	return total, nil
}

// ReconcileProject audits one project against both upstreams.
func (r *Reconciler) ReconcileProject(ctx context.Context, project *types.Project) (*Result, error) {
	res := &Result{}
	if err := r.auditPM(ctx, project, res); err != nil {
		return res, err
	}
	if err := r.auditTracker(ctx, project, res); err != nil {
		return res, err
	}
	return res, nil
}

// auditPM compares mapped rows against a full (non-incremental) PM
// listing. An upstream outage skips the audit rather than mass-marking.
func (r *Reconciler) auditPM(ctx context.Context, project *types.Project, res *Result) error {
	bulk, err := r.pm.ListIssuesBulk(ctx, huly.BulkRequest{
		Projects: []string{project.Identifier},
	})
	if err != nil {
		if httpx.IsUnavailable(err) || httpx.IsTransient(err) {
			debug.Warnf("reconcile: PM unreachable, skipping audit for %s", project.Identifier)
			return nil
		}
		return err
	}
	alive := make(map[string]bool)
	for _, issue := range bulk.Projects[project.Identifier].Issues {
		alive[issue.Identifier] = true
	}

	rows, err := r.store.IssuesWithForeignID(ctx, project.Identifier, store.SystemHuly)
	if err != nil {
		return err
	}
	for _, row := range rows {
		res.Checked++
		if alive[row.HulyIssueID] || row.RemovedFromHuly {
			continue
		}
		// Absence from a bulk listing is not proof of deletion; only an
		// explicit 404 on the issue itself retires the row.
		if _, err := r.pm.GetIssue(ctx, row.HulyIssueID); err == nil {
			continue
		} else if !httpx.IsNotFound(err) {
			debug.Warnf("reconcile: recheck %s: %v", row.HulyIssueID, err)
			continue
		}
		res.MissingPM++
		if err := r.retire(ctx, row, store.SystemHuly, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) auditTracker(ctx context.Context, project *types.Project, res *Result) error {
	tracker := r.tracks(project.FSPath)
	issues, err := tracker.ListIssues(ctx)
	if err != nil {
		debug.Warnf("reconcile: tracker unreadable, skipping audit for %s: %v", project.Identifier, err)
		return nil
	}
	alive := make(map[string]bool, len(issues))
	for _, issue := range issues {
		alive[issue.ID] = true
	}

	rows, err := r.store.IssuesWithForeignID(ctx, project.Identifier, store.SystemTracker)
	if err != nil {
		return err
	}
	for _, row := range rows {
		res.Checked++
		if alive[row.TrackerIssueID] || row.RemovedFromTracker {
			continue
		}
		res.MissingTrkr++
		if err := r.retire(ctx, row, store.SystemTracker, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) retire(ctx context.Context, row *types.Issue, system store.ForeignSystem, res *Result) error {
	switch r.action {
	case ActionDryRun:
		debug.Logf("reconcile: [dry-run] %s missing from %s", row.Identifier, system)
		return nil
	case ActionHardDelete:
		debug.LogEvent("ISSUE_PURGED", row.ProjectID, row.Identifier, string(system))
		if err := r.store.DeleteIssue(ctx, row.Identifier); err != nil {
			return err
		}
		res.Deleted++
		return nil
	default:
		debug.LogEvent("ISSUE_RETIRED", row.ProjectID, row.Identifier, string(system))
		if err := r.store.MarkRemoved(ctx, row.Identifier, system); err != nil {
			return err
		}
		res.Marked++
		return nil
	}
}
