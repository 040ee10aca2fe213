package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/statusmap"
	"github.com/hulylabs/vibesync/internal/types"
)

// RecoverPendingOps compensates pending ops left over from a crash.
// Called once at startup, before the first sync pass.
//
// A pending create means the remote effect may or may not exist. For
// tracker creates the journal append is durable, so the issue is
// located by its back-reference label and linked; if absent, the
// append never landed and the op is failed (the next run recreates it,
// dedup-guarded). Updates and agent writes are idempotent and simply
// failed; the next run re-diffs and reissues them if still needed.
func (o *Orchestrator) RecoverPendingOps(ctx context.Context) error {
	ops, err := o.store.ListUnresolvedPendingOps(ctx)
	if err != nil {
		return err
	}
	for _, op := range ops {
		var rerr error
		switch op.OpType {
		case types.OpCreateTracker:
			rerr = o.recoverTrackerCreate(ctx, op)
		case types.OpCreateHuly:
			// The PM create may have landed, but without the response
			// we cannot learn its identifier. Failing the op is safe:
			// the next run's dedup ladder matches the PM issue by
			// normalized title and links instead of recreating.
			rerr = o.store.ResolvePendingOp(ctx, op.ID, types.OpFailed)
		case types.OpDedupAgents:
			// A standing cleanup task, not a crash bracket; it stays
			// open until the surplus agents are dealt with.
			continue
		default:
			rerr = o.store.ResolvePendingOp(ctx, op.ID, types.OpFailed)
		}
		if rerr != nil {
			debug.Warnf("syncer: recovery of pending op %s (%s) failed: %v", op.ID, op.OpType, rerr)
		} else {
			debug.LogEvent("OP_RECOVERED", op.ProjectID, op.Identifier, string(op.OpType))
		}
	}
	return nil
}

func (o *Orchestrator) recoverTrackerCreate(ctx context.Context, op *types.PendingOp) error {
	var payload createPayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return fmt.Errorf("failed to parse pending op payload: %w", err)
	}

	project, err := o.store.GetProject(ctx, op.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return o.store.ResolvePendingOp(ctx, op.ID, types.OpFailed)
	}

	tracker := o.trackers(project.FSPath)
	issues, err := tracker.ListIssues(ctx)
	if err != nil {
		return err
	}

	wantLabel := statusmap.HulyLabel(payload.Identifier)
	for _, ti := range issues {
		if !ti.HasLabel(wantLabel) {
			continue
		}
		// The append landed; link it and close the op.
		row, err := o.store.GetIssue(ctx, payload.Identifier)
		if err != nil {
			return err
		}
		if row == nil {
			row = &types.Issue{
				Identifier:  payload.Identifier,
				ProjectID:   op.ProjectID,
				Title:       ti.Title,
				Description: ti.Description,
				Status:      statusmap.FromTracker(string(ti.Status), ti.Labels),
				Priority:    statusmap.PriorityFromTracker(ti.Priority),
				HulyIssueID: payload.Identifier,
			}
		}
		row.TrackerIssueID = ti.ID
		row.TrackerStatus = string(ti.Status)
		row.TrackerModifiedAt = types.UnixMilli(ti.UpdatedAt)
		row.ContentHash = row.ComputeContentHash()
		if err := o.store.UpsertIssue(ctx, row); err != nil {
			return err
		}
		o.dedupe.Invalidate(op.ProjectID)
		debug.Logf("syncer: recovered orphaned tracker create %s -> %s", payload.Identifier, ti.ID)
		return o.store.ResolvePendingOp(ctx, op.ID, types.OpSucceeded)
	}

	// No trace upstream: the crash predated the append.
	return o.store.ResolvePendingOp(ctx, op.ID, types.OpFailed)
}
