package syncer

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/hulylabs/vibesync/internal/beads"
	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/statusmap"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/telemetry"
	"github.com/hulylabs/vibesync/internal/types"
	"github.com/hulylabs/vibesync/internal/workflow"
)

// createPayload is the pending-op payload for create operations; it
// carries enough context for crash recovery to locate the orphan.
type createPayload struct {
	Project    string `json:"project"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	FSPath     string `json:"fs_path,omitempty"`
}

// createInTracker creates the tracker counterpart of a new PM issue.
// The activity re-checks the dedup index on entry so replays and
// concurrent observations link instead of duplicating.
func (o *Orchestrator) createInTracker(ctx context.Context, rs *runState, pmIssue huly.Issue, canonStatus types.Status, canonPriority types.Priority) error {
	activity := workflow.Func{
		ActivityID: "create-tracker:" + pmIssue.Identifier,
		Fn: func(ctx context.Context) (*workflow.Result, error) {
			if hit := rs.index.Match(store.SystemHuly, pmIssue.Identifier, pmIssue.Identifier, pmIssue.Title); hit != nil && hit.TrackerIssueID != "" {
				telemetry.RecordDedupHit(ctx, rs.project.Identifier)
				return &workflow.Result{Success: true, Skipped: true, ID: hit.TrackerIssueID}, nil
			}

			payload, _ := json.Marshal(createPayload{
				Project:    rs.project.Identifier,
				Identifier: pmIssue.Identifier,
				Title:      pmIssue.Title,
				FSPath:     rs.project.FSPath,
			})
			opID, err := o.store.CreatePendingOp(ctx, &types.PendingOp{
				OpType:     types.OpCreateTracker,
				System:     "tracker",
				ProjectID:  rs.project.Identifier,
				Identifier: pmIssue.Identifier,
				Payload:    string(payload),
			})
			if err != nil {
				return nil, err
			}

			trackerStatus, hostLabel := statusmap.ToTracker(canonStatus)
			labels := []string{statusmap.HulyLabel(pmIssue.Identifier)}
			if hostLabel != "" {
				labels = append(labels, hostLabel)
			}
			trackerID := beads.NewID(trackerPrefix(rs.project))
			err = rs.tracker.AppendIssue(ctx, &beads.Issue{
				ID:          trackerID,
				Title:       pmIssue.Title,
				Description: pmIssue.Description,
				Status:      beads.Status(trackerStatus),
				Priority:    statusmap.PriorityToTracker(canonPriority),
				Labels:      labels,
			})
			if err != nil {
				if rerr := o.store.ResolvePendingOp(ctx, opID, types.OpFailed); rerr != nil {
					debug.Warnf("syncer: failed to resolve pending op %s: %v", opID, rerr)
				}
				return nil, err
			}
			if err := o.store.ResolvePendingOp(ctx, opID, types.OpSucceeded); err != nil {
				return nil, err
			}
			telemetry.RecordPush(ctx, "tracker", 1)
			return &workflow.Result{Success: true, Created: true, ID: trackerID}, nil
		},
	}

	result, err := o.runtime.Run(ctx, rs.runID, activity)
	if err != nil {
		return err
	}

	row := &types.Issue{
		Identifier:       pmIssue.Identifier,
		ProjectID:        rs.project.Identifier,
		Title:            pmIssue.Title,
		Description:      pmIssue.Description,
		Status:           canonStatus,
		Priority:         canonPriority,
		HulyIssueID:      pmIssue.Identifier,
		TrackerIssueID:   result.ID,
		HulyModifiedAt:   pmIssue.ModifiedOn,
		HulyStatus:       pmIssue.Status,
		ParentIdentifier: pmIssue.Parent,
	}
	trackerStatus, _ := statusmap.ToTracker(canonStatus)
	row.TrackerStatus = trackerStatus
	row.ContentHash = row.ComputeContentHash()
	rs.dirtyRow(row)
	rs.markWrote(pmIssue.Identifier, "title", "description", "status", "priority")

	if result.Created {
		rs.stats.Created++
	} else {
		rs.stats.Skipped++
	}
	return nil
}

// trackerPrefix picks the ID prefix for journal-minted issues.
func trackerPrefix(p *types.Project) string {
	if p.TrackerPrefix != "" {
		return strings.ToLower(p.TrackerPrefix)
	}
	return "bd"
}

// updateTracker pushes field updates toward the tracker and keeps host
// labels consistent with the canonical status.
func (o *Orchestrator) updateTracker(ctx context.Context, rs *runState, row *types.Issue, fields map[string]string, canonStatus types.Status) error {
	activity := workflow.Func{
		ActivityID: "update-tracker:" + row.Identifier + ":" + fieldsKey(fields),
		Fn: func(ctx context.Context) (*workflow.Result, error) {
			opID, err := o.store.CreatePendingOp(ctx, &types.PendingOp{
				OpType:     types.OpUpdateTracker,
				System:     "tracker",
				ProjectID:  rs.project.Identifier,
				Identifier: row.Identifier,
			})
			if err != nil {
				return nil, err
			}

			if err := rs.tracker.UpdateFields(ctx, row.TrackerIssueID, fields); err != nil {
				if rerr := o.store.ResolvePendingOp(ctx, opID, types.OpFailed); rerr != nil {
					debug.Warnf("syncer: failed to resolve pending op %s: %v", opID, rerr)
				}
				return nil, err
			}

			if _, ok := fields["status"]; ok {
				o.reconcileHostLabels(ctx, rs, row.TrackerIssueID, canonStatus)
			}
			if err := o.store.ResolvePendingOp(ctx, opID, types.OpSucceeded); err != nil {
				return nil, err
			}
			telemetry.RecordPush(ctx, "tracker", 1)
			return &workflow.Result{Success: true, Updated: true, ID: row.TrackerIssueID}, nil
		},
	}

	if _, err := o.runtime.Run(ctx, rs.runID, activity); err != nil {
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	rs.markWrote(row.Identifier, keys...)
	return nil
}

// reconcileHostLabels makes the tracker's host: labels match the
// canonical status. Label drift is cosmetic, so failures log and
// continue.
func (o *Orchestrator) reconcileHostLabels(ctx context.Context, rs *runState, trackerID string, canonStatus types.Status) {
	_, want := statusmap.ToTracker(canonStatus)
	for _, label := range []string{
		statusmap.HostLabelPrefix + "Todo",
		statusmap.HostLabelPrefix + "InReview",
		statusmap.HostLabelPrefix + "Canceled",
	} {
		if label == want {
			continue
		}
		if err := rs.tracker.RemoveLabel(ctx, trackerID, label); err != nil {
			debug.Logf("syncer: remove label %s from %s: %v", label, trackerID, err)
		}
	}
	if want != "" {
		if err := rs.tracker.AddLabel(ctx, trackerID, want); err != nil {
			debug.Warnf("syncer: add label %s to %s: %v", want, trackerID, err)
		}
	}
}

// fieldsKey builds a stable activity-ID suffix from the field set.
func fieldsKey(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// createInPM creates the PM counterpart of a tracker-born issue and
// tags the tracker issue with the back-reference label.
func (o *Orchestrator) createInPM(ctx context.Context, rs *runState, ti beads.Issue) error {
	canonStatus := statusmap.FromTracker(string(ti.Status), ti.Labels)
	canonPriority := statusmap.PriorityFromTracker(ti.Priority)

	activity := workflow.Func{
		ActivityID: "create-pm:" + ti.ID,
		Fn: func(ctx context.Context) (*workflow.Result, error) {
			if hit := rs.index.Match(store.SystemTracker, ti.ID, "", ti.Title); hit != nil && hit.HulyIssueID != "" {
				telemetry.RecordDedupHit(ctx, rs.project.Identifier)
				return &workflow.Result{Success: true, Skipped: true, ID: hit.HulyIssueID}, nil
			}

			payload, _ := json.Marshal(createPayload{
				Project:    rs.project.Identifier,
				Identifier: ti.ID,
				Title:      ti.Title,
			})
			opID, err := o.store.CreatePendingOp(ctx, &types.PendingOp{
				OpType:     types.OpCreateHuly,
				System:     "huly",
				ProjectID:  rs.project.Identifier,
				Identifier: ti.ID,
				Payload:    string(payload),
			})
			if err != nil {
				return nil, err
			}

			created, err := o.pm.CreateIssue(ctx, rs.project.Identifier, ti.Title, ti.Description,
				statusmap.ToHuly(canonStatus), statusmap.ToHulyPriority(canonPriority))
			if err != nil {
				if rerr := o.store.ResolvePendingOp(ctx, opID, types.OpFailed); rerr != nil {
					debug.Warnf("syncer: failed to resolve pending op %s: %v", opID, rerr)
				}
				return nil, err
			}

			// Back-reference label so the next tracker pass maps this
			// issue without a title match.
			if err := rs.tracker.AddLabel(ctx, ti.ID, statusmap.HulyLabel(created.Identifier)); err != nil {
				debug.Warnf("syncer: back-reference label for %s: %v", ti.ID, err)
			}

			if err := o.store.ResolvePendingOp(ctx, opID, types.OpSucceeded); err != nil {
				return nil, err
			}
			telemetry.RecordPush(ctx, "huly", 1)
			return &workflow.Result{Success: true, Created: true, ID: created.Identifier}, nil
		},
	}

	result, err := o.runtime.Run(ctx, rs.runID, activity)
	if err != nil {
		return err
	}
	if result.Skipped {
		rs.stats.Skipped++
		return o.linkTrackerID(ctx, rs, ti, result.ID)
	}

	row := &types.Issue{
		Identifier:        result.ID,
		ProjectID:         rs.project.Identifier,
		Title:             ti.Title,
		Description:       ti.Description,
		Status:            canonStatus,
		Priority:          canonPriority,
		HulyIssueID:       result.ID,
		TrackerIssueID:    ti.ID,
		TrackerModifiedAt: types.UnixMilli(ti.UpdatedAt),
		TrackerStatus:     string(ti.Status),
	}
	row.ContentHash = row.ComputeContentHash()
	rs.dirtyRow(row)
	rs.stats.Created++
	return nil
}

// linkTrackerID records the tracker half of a dedup match. A title
// match means the PM row predates the tracker issue; without the
// stored link and the back-reference label every later pass re-matches
// and re-skips the same pair.
func (o *Orchestrator) linkTrackerID(ctx context.Context, rs *runState, ti beads.Issue, identifier string) error {
	row, err := o.store.GetIssue(ctx, identifier)
	if err != nil || row == nil || row.TrackerIssueID == ti.ID {
		return err
	}
	if row.TrackerIssueID != "" {
		debug.Warnf("syncer: %s already linked to %s, ignoring duplicate %s",
			identifier, row.TrackerIssueID, ti.ID)
		return nil
	}
	row.TrackerIssueID = ti.ID
	row.TrackerStatus = string(ti.Status)
	row.TrackerModifiedAt = types.UnixMilli(ti.UpdatedAt)
	rs.dirtyRow(row)
	if err := rs.tracker.AddLabel(ctx, ti.ID, statusmap.HulyLabel(identifier)); err != nil {
		debug.Warnf("syncer: back-reference label for %s: %v", ti.ID, err)
	}
	debug.LogEvent("LINKED", rs.project.Identifier, identifier, "adopted tracker issue "+ti.ID)
	return nil
}
