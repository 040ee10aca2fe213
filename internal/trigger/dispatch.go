// Package trigger decides when projects sync: a periodic scheduler, a
// PM webhook, and a filesystem watcher all funnel into one keyed
// dispatcher that coalesces overlapping requests per project.
package trigger

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/telemetry"
	"github.com/hulylabs/vibesync/internal/types"
)

// Runner runs one sync pass for a project. Implemented by the
// orchestrator.
type Runner interface {
	SyncProject(ctx context.Context, runID, projectID string) (*syncer.Stats, error)
}

// HistoryStore is the slice of the store the dispatcher records run
// lifecycles in.
type HistoryStore interface {
	StartSyncRun(ctx context.Context) (string, error)
	CompleteSyncRun(ctx context.Context, run *types.SyncRun) error
}

// DefaultCycleTimeout bounds one sync pass; a hung upstream call must
// not pin a project's slot forever.
const DefaultCycleTimeout = 15 * time.Minute

// Dispatcher coalesces sync requests per project. A request arriving
// while that project's pass is in flight sets a rerun flag instead of
// queueing: the in-flight pass finishes, then one more pass runs,
// covering every change the flag absorbed.
type Dispatcher struct {
	runner       Runner
	history      HistoryStore
	ctx          context.Context
	cycleTimeout time.Duration

	sf singleflight.Group
	wg sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
	rerun    map[string]bool
}

// NewDispatcher creates a dispatcher. ctx bounds all runs it spawns;
// cancel it and Wait() to drain on shutdown.
func NewDispatcher(ctx context.Context, runner Runner, history HistoryStore) *Dispatcher {
	return &Dispatcher{
		runner:       runner,
		history:      history,
		ctx:          ctx,
		cycleTimeout: DefaultCycleTimeout,
		inflight:     make(map[string]bool),
		rerun:        make(map[string]bool),
	}
}

// SetCycleTimeout overrides the per-pass deadline. Non-positive values
// keep the default.
func (d *Dispatcher) SetCycleTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.cycleTimeout = timeout
	}
}

// Kick requests a sync for the project. Non-blocking; safe from any
// goroutine.
func (d *Dispatcher) Kick(projectID, reason string) {
	d.mu.Lock()
	if d.inflight[projectID] {
		d.rerun[projectID] = true
		d.mu.Unlock()
		debug.Logf("trigger: %s already in flight, flagged rerun (%s)", projectID, reason)
		return
	}
	d.inflight[projectID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drive(projectID, reason)
}

// drive runs passes for the project until no rerun flag remains.
func (d *Dispatcher) drive(projectID, reason string) {
	defer d.wg.Done()
	for {
		_, _, _ = d.sf.Do(projectID, func() (any, error) {
			d.runOnce(projectID, reason)
			return nil, nil
		})

		d.mu.Lock()
		if !d.rerun[projectID] || d.ctx.Err() != nil {
			delete(d.inflight, projectID)
			delete(d.rerun, projectID)
			d.mu.Unlock()
			return
		}
		delete(d.rerun, projectID)
		d.mu.Unlock()
		reason = "rerun"
	}
}

func (d *Dispatcher) runOnce(projectID, reason string) {
	if d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.cycleTimeout)
	defer cancel()

	runID, err := d.history.StartSyncRun(ctx)
	if err != nil {
		debug.Warnf("trigger: failed to open run record: %v", err)
		return
	}

	debug.LogEvent("SYNC_START", projectID, "", reason)
	started := time.Now()
	stats, err := d.runner.SyncProject(ctx, runID, projectID)
	telemetry.RecordRun(d.ctx, projectID, float64(time.Since(started).Milliseconds()), err != nil)
	run := &types.SyncRun{ID: runID}
	if stats != nil {
		run.Created = stats.Created
		run.Updated = stats.Updated
		run.Skipped = stats.Skipped
		run.Failed = stats.Failed
		run.Errors = stats.Errors
	}
	if err != nil {
		debug.Warnf("trigger: sync %s failed: %v", projectID, err)
	} else {
		debug.Logf("trigger: %s synced (%s): created=%d updated=%d skipped=%d failed=%d",
			projectID, reason, run.Created, run.Updated, run.Skipped, run.Failed)
	}
	if cerr := d.history.CompleteSyncRun(d.ctx, run); cerr != nil {
		debug.Warnf("trigger: failed to close run record %s: %v", runID, cerr)
	}
}

// Wait blocks until all in-flight passes drain. Call after cancelling
// the dispatcher context.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
