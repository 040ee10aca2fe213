// Package fullsync drives a one-shot pass over every project: bulk
// prefetch in capped chunks, bounded-parallel per-project syncs, and
// durable checkpoints so an interrupted pass resumes where it stopped.
package fullsync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/types"
)

// DefaultParallel bounds concurrent project syncs.
const DefaultParallel = 5

// metaLastRun remembers the most recent full-sync run ID so a restart
// can resume it.
const metaLastRun = "fullsync_last_run"

// Runner runs one project pass. Implemented by the orchestrator.
type Runner interface {
	SyncProject(ctx context.Context, runID, projectID string) (*syncer.Stats, error)
}

// Driver executes full syncs.
type Driver struct {
	store    *store.Store
	pm       syncer.PM
	runner   Runner
	parallel int
}

// New creates a driver. parallel <= 0 uses the default.
func New(s *store.Store, pm syncer.PM, runner Runner, parallel int) *Driver {
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	return &Driver{store: s, pm: pm, runner: runner, parallel: parallel}
}

// Totals aggregates one full-sync pass.
type Totals struct {
	Projects int
	Resumed  int
	Created  int
	Updated  int
	Skipped  int
	Failed   int
}

// Run performs a full sync over every non-archived project. When the
// store remembers an unfinished run, that run resumes: checkpointed
// projects are skipped, the rest complete under the same run ID so the
// activity journal keeps protecting against duplicate side effects.
func (d *Driver) Run(ctx context.Context) (*Totals, error) {
	runID, resumed, err := d.openRun(ctx)
	if err != nil {
		return nil, err
	}

	projects, err := d.store.ListProjects(ctx, false)
	if err != nil {
		return nil, err
	}

	done := map[string]bool{}
	if resumed {
		if done, err = d.store.ListCheckpoints(ctx, runID); err != nil {
			return nil, err
		}
	}

	// Prefetch warms the PM side in capped chunks before fan-out, so
	// the parallel phase starts from a consistent snapshot and one slow
	// project cannot starve the fetch.
	d.prefetch(ctx, projects)

	totals := &Totals{}
	var mu sync.Mutex
	var incomplete int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for _, p := range projects {
		if done[p.Identifier] {
			mu.Lock()
			totals.Resumed++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			stats, err := d.runner.SyncProject(gctx, runID, p.Identifier)
			mu.Lock()
			defer mu.Unlock()
			totals.Projects++
			if err != nil {
				totals.Failed++
				incomplete++
				debug.Warnf("fullsync: project %s failed: %v", p.Identifier, err)
				// Per-project failures do not stop the pass; the project
				// stays un-checkpointed and re-runs on resume.
				return nil
			}
			totals.Created += stats.Created
			totals.Updated += stats.Updated
			totals.Skipped += stats.Skipped
			totals.Failed += stats.Failed
			if cerr := d.store.SaveCheckpoint(gctx, runID, p.Identifier); cerr != nil {
				return cerr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return totals, err
	}

	if incomplete > 0 {
		// The run stays open; the next Run resumes it past the
		// checkpointed projects.
		debug.Warnf("fullsync: %d projects incomplete, run %s left open for resume", incomplete, runID)
		return totals, nil
	}
	if err := d.closeRun(ctx, runID, totals); err != nil {
		return totals, err
	}
	debug.Logf("fullsync: %d projects (%d resumed): created=%d updated=%d skipped=%d failed=%d",
		totals.Projects, totals.Resumed, totals.Created, totals.Updated, totals.Skipped, totals.Failed)
	return totals, nil
}

// openRun resumes the remembered unfinished run or starts a fresh one.
func (d *Driver) openRun(ctx context.Context) (string, bool, error) {
	if last, err := d.store.GetMeta(ctx, metaLastRun); err != nil {
		return "", false, err
	} else if last != "" {
		run, err := d.store.GetSyncRun(ctx, last)
		if err != nil {
			return "", false, err
		}
		if run != nil && run.CompletedAt == nil {
			debug.Logf("fullsync: resuming interrupted run %s", last)
			return last, true, nil
		}
	}

	runID, err := d.store.StartSyncRun(ctx)
	if err != nil {
		return "", false, err
	}
	if err := d.store.SetMeta(ctx, metaLastRun, runID); err != nil {
		return "", false, err
	}
	return runID, false, nil
}

func (d *Driver) closeRun(ctx context.Context, runID string, totals *Totals) error {
	run, err := d.store.GetSyncRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run record vanished: %s", runID)
	}
	run.Created = totals.Created
	run.Updated = totals.Updated
	run.Skipped = totals.Skipped
	run.Failed = totals.Failed
	if err := d.store.CompleteSyncRun(ctx, run); err != nil {
		return err
	}
	if err := d.store.PurgeActivityResults(ctx, runID); err != nil {
		return err
	}
	return d.store.SetMeta(ctx, metaLastRun, "")
}

// prefetch issues the capped bulk fetches. Failures only cost warmth;
// each project sync re-fetches its own slice anyway.
func (d *Driver) prefetch(ctx context.Context, projects []*types.Project) {
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.Identifier)
	}
	for start := 0; start < len(ids); start += huly.MaxBulkFetchProjects {
		end := min(start+huly.MaxBulkFetchProjects, len(ids))
		if _, err := d.pm.ListIssuesBulk(ctx, huly.BulkRequest{Projects: ids[start:end]}); err != nil {
			debug.Warnf("fullsync: prefetch chunk %d-%d: %v", start, end, err)
		}
	}
}
