package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hulylabs/vibesync/internal/beads"
	"github.com/hulylabs/vibesync/internal/dedupe"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/statusmap"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/types"
	"github.com/hulylabs/vibesync/internal/workflow"
)

// fakePM is an in-memory PM with call counters.
type fakePM struct {
	issues      map[string]*huly.Issue // identifier -> issue
	nextNum     int
	createCalls int
	patchCalls  int
	patches     []huly.IssueUpdate
}

func newFakePM() *fakePM {
	return &fakePM{issues: make(map[string]*huly.Issue), nextNum: 100}
}

func (f *fakePM) ListIssuesBulk(_ context.Context, req huly.BulkRequest) (*huly.BulkResult, error) {
	result := &huly.BulkResult{Projects: make(map[string]huly.BulkProjectIssues)}
	for _, p := range req.Projects {
		var slice huly.BulkProjectIssues
		for _, issue := range f.issues {
			if issue.Project == p && issue.ModifiedOn >= req.ModifiedSince {
				slice.Issues = append(slice.Issues, *issue)
			}
		}
		slice.Count = len(slice.Issues)
		result.Projects[p] = slice
		result.TotalIssues += slice.Count
	}
	return result, nil
}

func (f *fakePM) GetIssue(_ context.Context, identifier string) (*huly.Issue, error) {
	issue, ok := f.issues[identifier]
	if !ok {
		return nil, fmt.Errorf("not_found: %s", identifier)
	}
	return issue, nil
}

func (f *fakePM) CreateIssue(_ context.Context, projectID, title, description, status, priority string) (*huly.Issue, error) {
	f.createCalls++
	f.nextNum++
	issue := &huly.Issue{
		Identifier:  fmt.Sprintf("%s-%d", projectID, f.nextNum),
		Title:       title,
		Description: description,
		Status:      status,
		Priority:    priority,
		Project:     projectID,
		ModifiedOn:  time.Now().UnixMilli(),
	}
	f.issues[issue.Identifier] = issue
	return issue, nil
}

func (f *fakePM) PatchIssuesBulk(_ context.Context, updates []huly.IssueUpdate) ([]huly.BulkUpdateRow, error) {
	f.patchCalls++
	var rows []huly.BulkUpdateRow
	for _, u := range updates {
		f.patches = append(f.patches, u)
		issue, ok := f.issues[u.Identifier]
		if !ok {
			rows = append(rows, huly.BulkUpdateRow{Identifier: u.Identifier, Success: false, Error: "not found"})
			continue
		}
		if v, ok := u.Changes["status"]; ok {
			issue.Status = v.(string)
		}
		if v, ok := u.Changes["title"]; ok {
			issue.Title = v.(string)
		}
		if v, ok := u.Changes["description"]; ok {
			issue.Description = v.(string)
		}
		rows = append(rows, huly.BulkUpdateRow{Identifier: u.Identifier, Success: true})
	}
	return rows, nil
}

// fakeTracker is an in-memory tracker.
type fakeTracker struct {
	issues      map[string]*beads.Issue
	appends     int
	updateCalls int
	appendErr   error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{issues: make(map[string]*beads.Issue)}
}

func (f *fakeTracker) ListIssues(_ context.Context) ([]beads.Issue, error) {
	var out []beads.Issue
	for _, i := range f.issues {
		out = append(out, *i)
	}
	return out, nil
}

func (f *fakeTracker) AppendIssue(_ context.Context, issue *beads.Issue) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends++
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = now
	}
	if issue.Status == "" {
		issue.Status = beads.StatusOpen
	}
	cp := *issue
	f.issues[issue.ID] = &cp
	return nil
}

func (f *fakeTracker) UpdateFields(_ context.Context, id string, fields map[string]string) error {
	f.updateCalls++
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	if v, ok := fields["title"]; ok {
		issue.Title = v
	}
	if v, ok := fields["description"]; ok {
		issue.Description = v
	}
	if v, ok := fields["status"]; ok {
		issue.Status = beads.Status(v)
	}
	issue.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeTracker) AddLabel(_ context.Context, id, label string) error {
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	if !issue.HasLabel(label) {
		issue.Labels = append(issue.Labels, label)
	}
	return nil
}

func (f *fakeTracker) RemoveLabel(_ context.Context, id, label string) error {
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue not found: %s", id)
	}
	var kept []string
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

func (f *fakeTracker) Reimport(_ context.Context) error { return nil }

type fakeMemory struct {
	calls  int
	blocks map[string][]letta.Block
}

func (f *fakeMemory) UpsertBlocks(_ context.Context, agentID string, blocks []letta.Block) error {
	f.calls++
	if f.blocks == nil {
		f.blocks = make(map[string][]letta.Block)
	}
	f.blocks[agentID] = blocks
	return nil
}

type fixture struct {
	store   *store.Store
	pm      *fakePM
	tracker *fakeTracker
	memory  *fakeMemory
	orch    *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	fx := &fixture{
		store:   s,
		pm:      newFakePM(),
		tracker: newFakeTracker(),
		memory:  &fakeMemory{},
	}
	fx.orch = New(s, fx.pm,
		func(string) Tracker { return fx.tracker },
		fx.memory,
		dedupe.NewCache(s, time.Millisecond), // effectively no caching across runs
		workflow.NewRuntime(s, workflow.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond}),
	)

	if err := s.UpsertProject(context.Background(), &types.Project{
		Identifier:    "HVSYN",
		Name:          "Vibe Sync",
		HulyProjectID: "huly-hvsyn",
		TrackerPrefix: "HVSYN",
		AgentID:       "agent-1",
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return fx
}

func (fx *fixture) sync(t *testing.T, runID string) *Stats {
	t.Helper()
	stats, err := fx.orch.SyncProject(context.Background(), runID, "HVSYN")
	if err != nil {
		t.Fatalf("SyncProject(%s) failed: %v", runID, err)
	}
	return stats
}

func TestCreateFromPM(t *testing.T) {
	fx := setup(t)
	fx.pm.issues["HVSYN-10"] = &huly.Issue{
		Identifier: "HVSYN-10", Title: "Fix login", Description: "bug",
		Status: "Backlog", Priority: "High", ModifiedOn: 1000, Project: "HVSYN",
	}

	stats := fx.sync(t, "run-1")
	if stats.Created != 1 {
		t.Errorf("expected 1 created, got %+v", stats)
	}

	// Tracker got the issue with status open, priority 1, huly label.
	if len(fx.tracker.issues) != 1 {
		t.Fatalf("expected 1 tracker issue, got %d", len(fx.tracker.issues))
	}
	var ti *beads.Issue
	for _, i := range fx.tracker.issues {
		ti = i
	}
	if ti.Title != "Fix login" || ti.Status != beads.StatusOpen || ti.Priority != 1 {
		t.Errorf("unexpected tracker issue: %+v", ti)
	}
	if !ti.HasLabel("huly:HVSYN-10") {
		t.Errorf("missing back-reference label: %v", ti.Labels)
	}

	// Store row links both sides with the content hash.
	row, err := fx.store.GetIssue(context.Background(), "HVSYN-10")
	if err != nil || row == nil {
		t.Fatalf("row missing: %v", err)
	}
	if row.TrackerIssueID == "" || row.HulyModifiedAt != 1000 {
		t.Errorf("row not linked: %+v", row)
	}
	want := types.ContentHash("Fix login", "bug", types.StatusBacklog)
	if row.ContentHash != want {
		t.Errorf("content hash mismatch")
	}
}

func TestIdempotentReplay(t *testing.T) {
	fx := setup(t)
	fx.pm.issues["HVSYN-10"] = &huly.Issue{
		Identifier: "HVSYN-10", Title: "Fix login", Description: "bug",
		Status: "Backlog", Priority: "High", ModifiedOn: 1000, Project: "HVSYN",
	}

	fx.sync(t, "run-1")
	appendsAfterFirst := fx.tracker.appends
	createsAfterFirst := fx.pm.createCalls

	stats := fx.sync(t, "run-2")
	if fx.tracker.appends != appendsAfterFirst {
		t.Errorf("replay created a duplicate tracker issue")
	}
	if fx.pm.createCalls != createsAfterFirst {
		t.Errorf("replay created a duplicate PM issue")
	}
	if stats.Created != 0 {
		t.Errorf("expected no creates on replay, got %+v", stats)
	}
}

func TestStatusChangeFromTracker(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	// Existing linked row.
	fx.pm.issues["HVSYN-11"] = &huly.Issue{
		Identifier: "HVSYN-11", Title: "Ship it", Status: "In Progress",
		ModifiedOn: 500, Project: "HVSYN",
	}
	if err := fx.store.UpsertIssue(ctx, &types.Issue{
		Identifier: "HVSYN-11", ProjectID: "HVSYN", Title: "Ship it",
		Status: types.StatusInProgress, Priority: types.PriorityNone,
		HulyIssueID: "HVSYN-11", TrackerIssueID: "bd-ab12c",
		HulyModifiedAt: 500, TrackerModifiedAt: 400,
		HulyStatus: "In Progress", TrackerStatus: "in_progress",
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	fx.tracker.issues["bd-ab12c"] = &beads.Issue{
		ID: "bd-ab12c", Title: "Ship it", Status: beads.StatusClosed,
		UpdatedAt: time.UnixMilli(900).UTC(),
		Labels:    []string{"huly:HVSYN-11"},
	}

	fx.sync(t, "run-1")

	if fx.pm.issues["HVSYN-11"].Status != "Done" {
		t.Errorf("expected PM status Done, got %s", fx.pm.issues["HVSYN-11"].Status)
	}
	// Only the status traveled.
	if len(fx.pm.patches) != 1 {
		t.Fatalf("expected 1 patch, got %+v", fx.pm.patches)
	}
	if _, ok := fx.pm.patches[0].Changes["title"]; ok {
		t.Error("title should not be patched")
	}

	row, _ := fx.store.GetIssue(ctx, "HVSYN-11")
	if row.Status != types.StatusDone {
		t.Errorf("expected canonical Done, got %s", row.Status)
	}
}

func TestConflictPMWins(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	fx.pm.issues["HVSYN-12"] = &huly.Issue{
		Identifier: "HVSYN-12", Title: "Contested", Status: "In Progress",
		ModifiedOn: 2000, Project: "HVSYN",
	}
	if err := fx.store.UpsertIssue(ctx, &types.Issue{
		Identifier: "HVSYN-12", ProjectID: "HVSYN", Title: "Contested",
		Status: types.StatusBacklog, Priority: types.PriorityNone,
		HulyIssueID: "HVSYN-12", TrackerIssueID: "bd-cf01",
		HulyModifiedAt: 1000, TrackerModifiedAt: 1000,
		TrackerStatus: "open",
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	fx.tracker.issues["bd-cf01"] = &beads.Issue{
		ID: "bd-cf01", Title: "Contested", Status: beads.StatusClosed,
		UpdatedAt: time.UnixMilli(1500).UTC(),
		Labels:    []string{"huly:HVSYN-12"},
	}

	fx.sync(t, "run-1")

	// Tracker follows PM.
	if fx.tracker.issues["bd-cf01"].Status != beads.StatusInProgress {
		t.Errorf("expected tracker in_progress, got %s", fx.tracker.issues["bd-cf01"].Status)
	}
	// PM unchanged.
	if fx.pm.issues["HVSYN-12"].Status != "In Progress" {
		t.Errorf("PM status should be untouched, got %s", fx.pm.issues["HVSYN-12"].Status)
	}
	row, _ := fx.store.GetIssue(ctx, "HVSYN-12")
	if row.Status != types.StatusInProgress {
		t.Errorf("expected canonical InProgress, got %s", row.Status)
	}
}

func TestCreateFromTracker(t *testing.T) {
	fx := setup(t)
	fx.tracker.issues["bd-new1"] = &beads.Issue{
		ID: "bd-new1", Title: "Tracker born", Status: beads.StatusInProgress,
		Priority: 2, UpdatedAt: time.UnixMilli(700).UTC(),
	}

	stats := fx.sync(t, "run-1")
	if stats.Created != 1 || fx.pm.createCalls != 1 {
		t.Errorf("expected 1 PM create, got stats=%+v calls=%d", stats, fx.pm.createCalls)
	}

	// The new PM issue carries the mapped status and the tracker issue
	// got the back-reference label.
	var created *huly.Issue
	for _, i := range fx.pm.issues {
		created = i
	}
	if created.Status != "In Progress" || created.Priority != "Medium" {
		t.Errorf("unexpected created PM issue: %+v", created)
	}
	if !fx.tracker.issues["bd-new1"].HasLabel(statusmap.HulyLabel(created.Identifier)) {
		t.Errorf("tracker issue missing back-reference: %v", fx.tracker.issues["bd-new1"].Labels)
	}
}

func TestOpenStatusNeverPropagates(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	fx.pm.issues["HVSYN-13"] = &huly.Issue{
		Identifier: "HVSYN-13", Title: "Stays put", Status: "Todo",
		ModifiedOn: 500, Project: "HVSYN",
	}
	if err := fx.store.UpsertIssue(ctx, &types.Issue{
		Identifier: "HVSYN-13", ProjectID: "HVSYN", Title: "Stays put",
		Status: types.StatusTodo, Priority: types.PriorityNone,
		HulyIssueID: "HVSYN-13", TrackerIssueID: "bd-op1",
		HulyModifiedAt: 500, TrackerModifiedAt: 100,
		HulyStatus: "Todo", TrackerStatus: "open",
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	// Tracker reports plain open with a fresher clock and no host label.
	fx.tracker.issues["bd-op1"] = &beads.Issue{
		ID: "bd-op1", Title: "Stays put", Status: beads.StatusOpen,
		UpdatedAt: time.UnixMilli(900).UTC(),
		Labels:    []string{"huly:HVSYN-13"},
	}

	fx.sync(t, "run-1")

	if fx.pm.issues["HVSYN-13"].Status != "Todo" {
		t.Errorf("default open must not reach the PM; got %s", fx.pm.issues["HVSYN-13"].Status)
	}
	// Canonical status unchanged.
	row, _ := fx.store.GetIssue(ctx, "HVSYN-13")
	if row.Status != types.StatusTodo {
		t.Errorf("canonical status should stay Todo, got %s", row.Status)
	}
	// The clock observation was still absorbed.
	if row.TrackerModifiedAt != 900 {
		t.Errorf("tracker clock not absorbed: %d", row.TrackerModifiedAt)
	}
}

func TestAgentNotifiedOnChange(t *testing.T) {
	fx := setup(t)
	fx.pm.issues["HVSYN-14"] = &huly.Issue{
		Identifier: "HVSYN-14", Title: "Notify me", Status: "Todo",
		ModifiedOn: 100, Project: "HVSYN",
	}

	fx.sync(t, "run-1")
	if fx.memory.calls != 1 {
		t.Fatalf("expected one agent update, got %d", fx.memory.calls)
	}
	blocks := fx.memory.blocks["agent-1"]
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	// No change: no agent call.
	fx.sync(t, "run-2")
	if fx.memory.calls != 1 {
		t.Errorf("unchanged run should not notify the agent, got %d calls", fx.memory.calls)
	}
}

func TestCrashRecoveryLinksOrphanedCreate(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	// Simulate a crash after the journal append but before the mapping
	// write: the tracker has the issue, the store has only a pending op.
	fx.tracker.issues["bd-orph"] = &beads.Issue{
		ID: "bd-orph", Title: "Orphan", Status: beads.StatusOpen,
		UpdatedAt: time.UnixMilli(300).UTC(),
		Labels:    []string{"huly:HVSYN-12"},
	}
	payload := `{"project":"HVSYN","identifier":"HVSYN-12","title":"Orphan"}`
	if _, err := fx.store.CreatePendingOp(ctx, &types.PendingOp{
		OpType: types.OpCreateTracker, System: "tracker",
		ProjectID: "HVSYN", Identifier: "HVSYN-12", Payload: payload,
	}); err != nil {
		t.Fatalf("seed pending op: %v", err)
	}

	if err := fx.orch.RecoverPendingOps(ctx); err != nil {
		t.Fatalf("RecoverPendingOps failed: %v", err)
	}

	row, err := fx.store.GetIssue(ctx, "HVSYN-12")
	if err != nil || row == nil {
		t.Fatalf("expected recovered row: %v", err)
	}
	if row.TrackerIssueID != "bd-orph" {
		t.Errorf("row not linked: %+v", row)
	}
	ops, _ := fx.store.ListUnresolvedPendingOps(ctx)
	if len(ops) != 0 {
		t.Errorf("pending op not resolved: %+v", ops)
	}

	// The follow-up sync must not create a second tracker entry.
	fx.pm.issues["HVSYN-12"] = &huly.Issue{
		Identifier: "HVSYN-12", Title: "Orphan", Status: "Backlog",
		ModifiedOn: 400, Project: "HVSYN",
	}
	fx.sync(t, "run-1")
	if fx.tracker.appends != 0 {
		t.Errorf("recovery must prevent duplicate creates, got %d appends", fx.tracker.appends)
	}
}

func TestFailedCreateRetriesOnResume(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.pm.issues["HVSYN-20"] = &huly.Issue{
		Identifier: "HVSYN-20", Title: "Blocked once", Description: "d",
		Status: "Backlog", Priority: "High", ModifiedOn: 1000, Project: "HVSYN",
	}

	// The tracker journal is unwritable during the first pass.
	fx.tracker.appendErr = errors.New("journal locked")
	stats, err := fx.orch.SyncProject(ctx, "run-1", "HVSYN")
	if err != nil {
		t.Fatalf("SyncProject: %v", err)
	}
	if stats.Failed != 1 || stats.Created != 0 {
		t.Errorf("expected one recorded failure, got %+v", stats)
	}
	if row, _ := fx.store.GetIssue(ctx, "HVSYN-20"); row != nil {
		t.Errorf("no row may persist for a failed create: %+v", row)
	}

	// The outage ends; resuming under the same run ID re-attempts the
	// create instead of replaying the failure.
	fx.tracker.appendErr = nil
	stats = fx.sync(t, "run-1")
	if stats.Created != 1 {
		t.Errorf("expected the resumed run to create, got %+v", stats)
	}
	if fx.tracker.appends != 1 {
		t.Errorf("expected exactly 1 tracker append, got %d", fx.tracker.appends)
	}
	row, err := fx.store.GetIssue(ctx, "HVSYN-20")
	if err != nil || row == nil {
		t.Fatalf("row missing after resume: %v", err)
	}
	if row.TrackerIssueID == "" {
		t.Errorf("row must link the created tracker issue: %+v", row)
	}

	// A later run stays quiet.
	fx.sync(t, "run-2")
	if fx.tracker.appends != 1 {
		t.Errorf("later runs must not duplicate the create, got %d appends", fx.tracker.appends)
	}
}

func TestTitleMatchLinksTrackerIssue(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	// PM-born row with no tracker counterpart yet.
	if err := fx.store.UpsertIssue(ctx, &types.Issue{
		Identifier: "HVSYN-9", ProjectID: "HVSYN", Title: "Crash on startup",
		Status: types.StatusTodo, Priority: types.PriorityNone,
		HulyIssueID: "HVSYN-9", HulyModifiedAt: 500,
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	// A tracker issue with the same title, no back-reference label.
	fx.tracker.issues["bd-dup"] = &beads.Issue{
		ID: "bd-dup", Title: "Crash on startup", Status: beads.StatusOpen,
		UpdatedAt: time.UnixMilli(700).UTC(),
	}

	fx.sync(t, "run-1")

	if fx.pm.createCalls != 0 {
		t.Errorf("title match must not create a PM issue, got %d creates", fx.pm.createCalls)
	}
	row, err := fx.store.GetIssue(ctx, "HVSYN-9")
	if err != nil || row == nil {
		t.Fatalf("row missing: %v", err)
	}
	if row.TrackerIssueID != "bd-dup" {
		t.Errorf("matched row must adopt the tracker issue, got %q", row.TrackerIssueID)
	}
	if !fx.tracker.issues["bd-dup"].HasLabel("huly:HVSYN-9") {
		t.Errorf("tracker issue missing back-reference: %v", fx.tracker.issues["bd-dup"].Labels)
	}

	// The link holds: a second run matches by foreign ID and stays quiet.
	fx.sync(t, "run-2")
	if fx.pm.createCalls != 0 || fx.tracker.appends != 0 {
		t.Errorf("linked pair must not spawn duplicates: creates=%d appends=%d",
			fx.pm.createCalls, fx.tracker.appends)
	}
}
