// Package syncer implements the per-project sync orchestrator: a
// four-phase pass that pulls PM changes, arbitrates conflicts per
// field, pushes Tracker changes back, and notifies the project's agent.
package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hulylabs/vibesync/internal/beads"
	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/dedupe"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/statusmap"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/telemetry"
	"github.com/hulylabs/vibesync/internal/types"
	"github.com/hulylabs/vibesync/internal/workflow"
)

// PM is the slice of the PM client the orchestrator needs.
type PM interface {
	ListIssuesBulk(ctx context.Context, req huly.BulkRequest) (*huly.BulkResult, error)
	GetIssue(ctx context.Context, identifier string) (*huly.Issue, error)
	CreateIssue(ctx context.Context, projectID, title, description, status, priority string) (*huly.Issue, error)
	PatchIssuesBulk(ctx context.Context, updates []huly.IssueUpdate) ([]huly.BulkUpdateRow, error)
}

// Tracker is the slice of the tracker client the orchestrator needs.
type Tracker interface {
	ListIssues(ctx context.Context) ([]beads.Issue, error)
	AppendIssue(ctx context.Context, issue *beads.Issue) error
	UpdateFields(ctx context.Context, id string, fields map[string]string) error
	AddLabel(ctx context.Context, id, label string) error
	RemoveLabel(ctx context.Context, id, label string) error
	Reimport(ctx context.Context) error
}

// AgentMemory is the slice of the agent platform the orchestrator needs.
type AgentMemory interface {
	UpsertBlocks(ctx context.Context, agentID string, blocks []letta.Block) error
}

// DigestSource produces the optional AI activity digest block.
type DigestSource interface {
	Generate(ctx context.Context, project *types.Project, issues []*types.Issue) (letta.Block, error)
}

// TrackerFactory resolves the tracker client for a project's repo path.
type TrackerFactory func(fsPath string) Tracker

// Orchestrator runs the sync passes. One instance serves all projects;
// per-project runs are serialized by an internal lock map.
type Orchestrator struct {
	store    *store.Store
	pm       PM
	trackers TrackerFactory
	memory   AgentMemory
	dedupe   *dedupe.Cache
	runtime  *workflow.Runtime
	digest   DigestSource

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// SetDigest enables the AI activity digest block. Optional.
func (o *Orchestrator) SetDigest(d DigestSource) { o.digest = d }

// New creates an orchestrator. memory may be nil when the agent
// platform is not configured; Phase 3 is then skipped.
func New(s *store.Store, pm PM, trackers TrackerFactory, memory AgentMemory, dd *dedupe.Cache, rt *workflow.Runtime) *Orchestrator {
	return &Orchestrator{
		store:    s,
		pm:       pm,
		trackers: trackers,
		memory:   memory,
		dedupe:   dd,
		runtime:  rt,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) projectLock(projectID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[projectID] = l
	}
	return l
}

// Stats counts the outcome of one project pass.
type Stats struct {
	Created int
	Updated int
	Skipped int
	Failed  int
	Errors  []types.SyncError
}

func (st *Stats) recordError(component, op, project, identifier string, attempt int, err error) {
	st.Failed++
	st.Errors = append(st.Errors, types.SyncError{
		Component:  component,
		Operation:  op,
		Project:    project,
		Identifier: identifier,
		Attempt:    attempt,
		Message:    err.Error(),
		At:         time.Now().UTC(),
	})
}

// runState carries per-run bookkeeping across phases.
type runState struct {
	runID   string
	project *types.Project
	tracker Tracker
	index   *dedupe.Index
	stats   Stats

	// dirty rows to persist in one transaction at end of each phase.
	dirty map[string]*types.Issue

	// wrote records fields Phase 1 pushed toward the tracker, keyed
	// identifier -> field set, so Phase 2 does not echo them back.
	wrote map[string]map[string]bool

	changed bool // any state changed; gates Phase 3
}

func (rs *runState) markWrote(identifier string, fields ...string) {
	set := rs.wrote[identifier]
	if set == nil {
		set = make(map[string]bool)
		rs.wrote[identifier] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

func (rs *runState) wroteField(identifier, field string) bool {
	return rs.wrote[identifier][field]
}

func (rs *runState) dirtyRow(issue *types.Issue) {
	rs.dirty[issue.Identifier] = issue
	rs.index.Put(issue)
	rs.changed = true
}

func (rs *runState) flushDirty(ctx context.Context, s *store.Store) error {
	if len(rs.dirty) == 0 {
		return nil
	}
	rows := make([]*types.Issue, 0, len(rs.dirty))
	for _, issue := range rs.dirty {
		rows = append(rows, issue)
	}
	if err := s.UpsertIssues(ctx, rows); err != nil {
		return fmt.Errorf("failed to flush issue rows: %w", err)
	}
	rs.dirty = make(map[string]*types.Issue)
	return nil
}

// SyncProject runs one full pass for the project. Overlapping calls
// for the same project serialize; callers wanting coalescing use the
// trigger layer's single-flight map instead.
func (o *Orchestrator) SyncProject(ctx context.Context, runID, projectID string) (*Stats, error) {
	lock := o.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	// Phase 0: prepare.
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project not found: %s", projectID)
	}
	if project.Archived {
		debug.Logf("syncer: skipping archived project %s", projectID)
		return &Stats{}, nil
	}

	index, err := o.dedupe.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	rs := &runState{
		runID:   runID,
		project: project,
		tracker: o.trackers(project.FSPath),
		index:   index,
		dirty:   make(map[string]*types.Issue),
		wrote:   make(map[string]map[string]bool),
	}

	modifiedSince, err := o.store.MaxHulyModifiedAt(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// Phase 1: PM to others.
	if err := o.phasePM(ctx, rs, modifiedSince); err != nil {
		// Fetch-level failure aborts the project's run; the next tick
		// retries. The lock releases via defer.
		rs.stats.recordError("syncer", "phase_pm", projectID, "", 1, err)
		return &rs.stats, err
	}

	// Phase 2: tracker to PM.
	if err := o.phaseTracker(ctx, rs); err != nil {
		rs.stats.recordError("syncer", "phase_tracker", projectID, "", 1, err)
		return &rs.stats, err
	}

	// Phase 3: notify agent. Log-and-continue: agent updates are
	// secondary and never fail the sync.
	if o.memory != nil && project.AgentID != "" && rs.changed {
		if err := o.notifyAgent(ctx, rs); err != nil {
			debug.Warnf("syncer: agent notify failed for %s: %v", projectID, err)
			rs.stats.recordError("letta", "update_memory", projectID, "", 1, err)
		}
	}

	if err := o.store.TouchLastSync(ctx, projectID, time.Now().UTC()); err != nil {
		return &rs.stats, err
	}
	return &rs.stats, nil
}

// phasePM pulls PM changes and propagates them toward the tracker.
func (o *Orchestrator) phasePM(ctx context.Context, rs *runState, modifiedSince int64) error {
	result, err := o.pm.ListIssuesBulk(ctx, huly.BulkRequest{
		Projects:            []string{rs.project.Identifier},
		ModifiedSince:       modifiedSince,
		IncludeDescriptions: true,
	})
	if err != nil {
		return err
	}
	slice, ok := result.Projects[rs.project.Identifier]
	if !ok {
		return nil
	}

	for _, pmIssue := range slice.Issues {
		if err := o.syncPMIssue(ctx, rs, pmIssue); err != nil {
			if httpx.IsUnavailable(err) {
				return err
			}
			rs.stats.recordError("syncer", "sync_pm_issue", rs.project.Identifier, pmIssue.Identifier, 1, err)
		}
	}

	return rs.flushDirty(ctx, o.store)
}

// syncPMIssue reconciles one PM issue into the store and the tracker.
func (o *Orchestrator) syncPMIssue(ctx context.Context, rs *runState, pmIssue huly.Issue) error {
	canonStatus := statusmap.FromHuly(pmIssue.Status)
	canonPriority := statusmap.FromHulyPriority(pmIssue.Priority)

	row := rs.index.Match(store.SystemHuly, pmIssue.Identifier, pmIssue.Identifier, pmIssue.Title)
	if row == nil {
		return o.createInTracker(ctx, rs, pmIssue, canonStatus, canonPriority)
	}

	// Known row. Stale observation: nothing to do.
	if pmIssue.ModifiedOn <= row.HulyModifiedAt {
		rs.stats.Skipped++
		return nil
	}

	// Conflict arbitration: the PM value wins a field only when its
	// clock is ahead of the tracker's observation (ties go to PM).
	pmWins := pmIssue.ModifiedOn >= row.TrackerModifiedAt

	updated := *row
	updated.HulyIssueID = pmIssue.Identifier
	updated.HulyModifiedAt = pmIssue.ModifiedOn
	updated.HulyStatus = pmIssue.Status

	fields := map[string]string{}
	if pmWins {
		if pmIssue.Title != row.Title {
			updated.Title = pmIssue.Title
			fields["title"] = pmIssue.Title
		}
		if pmIssue.Description != row.Description {
			updated.Description = pmIssue.Description
			fields["description"] = pmIssue.Description
		}
		if canonStatus != row.Status {
			updated.Status = canonStatus
			trackerStatus, _ := statusmap.ToTracker(canonStatus)
			fields["status"] = trackerStatus
		}
		if canonPriority != row.Priority {
			updated.Priority = canonPriority
			fields["priority"] = strconv.Itoa(statusmap.PriorityToTracker(canonPriority))
		}
	}

	if len(fields) > 0 && row.TrackerIssueID != "" {
		if err := o.updateTracker(ctx, rs, &updated, fields, canonStatus); err != nil {
			return err
		}
		rs.stats.Updated++
	} else if len(fields) == 0 {
		rs.stats.Skipped++
	}

	if pmIssue.Parent != row.ParentIdentifier {
		updated.ParentIdentifier = pmIssue.Parent
	}
	updated.ContentHash = updated.ComputeContentHash()
	rs.dirtyRow(&updated)
	return nil
}

// phaseTracker pushes tracker-side changes back to the PM and creates
// PM issues for tracker issues born outside the sync.
func (o *Orchestrator) phaseTracker(ctx context.Context, rs *runState) error {
	trackerIssues, err := rs.tracker.ListIssues(ctx)
	if err != nil {
		return err
	}

	var patches []huly.IssueUpdate
	patchRows := make(map[string]*types.Issue)

	for _, ti := range trackerIssues {
		row := o.matchTrackerIssue(rs, ti)
		if row == nil {
			if err := o.createInPM(ctx, rs, ti); err != nil {
				rs.stats.recordError("syncer", "create_pm_issue", rs.project.Identifier, ti.ID, 1, err)
			}
			continue
		}

		update, changed := o.diffTrackerRow(rs, ti, row)
		if !changed {
			continue
		}
		patches = append(patches, huly.IssueUpdate{Identifier: row.Identifier, Changes: update.changes})
		patchRows[row.Identifier] = update.row
	}

	// Batch-patch in chunks; per-row failures are recorded, successful
	// rows persist.
	for start := 0; start < len(patches); start += huly.MaxBulkUpdateRows {
		end := min(start+huly.MaxBulkUpdateRows, len(patches))
		rows, err := o.pm.PatchIssuesBulk(ctx, patches[start:end])
		if err != nil {
			return err
		}
		for _, outcome := range rows {
			row := patchRows[outcome.Identifier]
			if row == nil {
				continue
			}
			if !outcome.Success {
				rs.stats.recordError("huly", "bulk_update", rs.project.Identifier, outcome.Identifier, 1,
					fmt.Errorf("%s", outcome.Error))
				continue
			}
			rs.stats.Updated++
			telemetry.RecordPush(ctx, "huly", 1)
			rs.dirtyRow(row)
		}
	}

	return rs.flushDirty(ctx, o.store)
}

// matchTrackerIssue resolves a tracker issue to its mapped row via the
// back-reference label first, then the tracker foreign ID.
func (o *Orchestrator) matchTrackerIssue(rs *runState, ti beads.Issue) *types.Issue {
	if ident := statusmap.IdentifierFromLabels(ti.Labels); ident != "" {
		if row := rs.index.ByIdentifier(ident); row != nil {
			return row
		}
	}
	return rs.index.ByForeignID(store.SystemTracker, ti.ID)
}

// trackerDiff pairs the PM patch payload with the row snapshot to
// persist once the patch lands.
type trackerDiff struct {
	changes map[string]any
	row     *types.Issue
}

// diffTrackerRow computes the minimal PM patch for a tracker change.
// Echo suppression: fields Phase 1 just wrote toward the tracker are
// not propagated back within the same run.
func (o *Orchestrator) diffTrackerRow(rs *runState, ti beads.Issue, row *types.Issue) (trackerDiff, bool) {
	updatedAt := types.UnixMilli(ti.UpdatedAt)
	if updatedAt <= row.TrackerModifiedAt {
		return trackerDiff{}, false
	}

	canonStatus := statusmap.FromTracker(string(ti.Status), ti.Labels)
	updated := *row
	updated.TrackerIssueID = ti.ID
	updated.TrackerModifiedAt = updatedAt
	updated.TrackerStatus = string(ti.Status)

	changes := map[string]any{}
	if canonStatus != row.Status && !rs.wroteField(row.Identifier, "status") {
		// The tracker's default status never travels: only explicit
		// forward transitions reach the PM.
		if ti.Status != beads.StatusOpen || statusmap.HasHostLabel(ti.Labels) {
			changes["status"] = statusmap.ToHuly(canonStatus)
			updated.Status = canonStatus
		}
	}
	if ti.Title != row.Title && !rs.wroteField(row.Identifier, "title") {
		changes["title"] = ti.Title
		updated.Title = ti.Title
	}
	if ti.Description != row.Description && ti.Description != "" && !rs.wroteField(row.Identifier, "description") {
		changes["description"] = ti.Description
		updated.Description = ti.Description
	}

	if len(changes) == 0 {
		// Clock moved but nothing propagates; still persist the
		// observation so the next run does not reprocess it.
		updated.ContentHash = updated.ComputeContentHash()
		rs.dirtyRow(&updated)
		return trackerDiff{}, false
	}

	updated.ContentHash = updated.ComputeContentHash()
	return trackerDiff{changes: changes, row: &updated}, true
}

// notifyAgent rebuilds the project's memory blocks from the post-phase
// snapshot and pushes them.
func (o *Orchestrator) notifyAgent(ctx context.Context, rs *runState) error {
	issues, err := o.store.GetProjectIssues(ctx, rs.project.Identifier)
	if err != nil {
		return err
	}
	blocks := BuildMemoryBlocks(rs.project, issues)
	if o.digest != nil {
		block, err := o.digest.Generate(ctx, rs.project, issues)
		if err != nil {
			debug.Warnf("syncer: digest for %s: %v", rs.project.Identifier, err)
		} else {
			blocks = append(blocks, block)
		}
	}
	return o.memory.UpsertBlocks(ctx, rs.project.AgentID, blocks)
}
