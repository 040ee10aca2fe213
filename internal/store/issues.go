package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hulylabs/vibesync/internal/types"
)

// ForeignSystem names a side of the mapping for foreign-ID lookups.
type ForeignSystem string

// Foreign systems
const (
	SystemHuly    ForeignSystem = "huly"
	SystemTracker ForeignSystem = "tracker"
)

func foreignColumn(system ForeignSystem) (string, error) {
	switch system {
	case SystemHuly:
		return "huly_issue_id", nil
	case SystemTracker:
		return "tracker_issue_id", nil
	}
	return "", fmt.Errorf("unknown foreign system: %s", system)
}

const issueColumns = `identifier, project_id, title, title_norm, description, status, priority,
       huly_issue_id, tracker_issue_id, huly_modified_at, tracker_modified_at,
       huly_status, tracker_status, parent_identifier, sub_issue_count, content_hash,
       removed_from_huly, removed_from_tracker, created_at, updated_at`

// GetIssue returns the issue row for the canonical identifier, or nil.
func (s *Store) GetIssue(ctx context.Context, identifier string) (*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues WHERE identifier = ?
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	issues, err := scanIssues(rows)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return issues[0], nil
}

// GetIssueByForeignID locates a row by a per-system foreign ID within a
// project, or nil when unmapped.
func (s *Store) GetIssueByForeignID(ctx context.Context, projectID string, system ForeignSystem, foreignID string) (*types.Issue, error) {
	col, err := foreignColumn(system)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND `+col+` = ?
	`, projectID, foreignID)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue by foreign ID: %w", err)
	}
	defer func() { _ = rows.Close() }()
	issues, err := scanIssues(rows)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	return issues[0], nil
}

// GetProjectIssues returns all issue rows for the project.
func (s *Store) GetProjectIssues(ctx context.Context, projectID string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues WHERE project_id = ? ORDER BY identifier
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project issues: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIssues(rows)
}

// IssuesWithForeignID returns rows holding a non-null foreign ID for the
// given system. Used by the reconciler to find stale cross-references.
func (s *Store) IssuesWithForeignID(ctx context.Context, projectID string, system ForeignSystem) ([]*types.Issue, error) {
	col, err := foreignColumn(system)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE project_id = ? AND `+col+` IS NOT NULL
		ORDER BY identifier
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues with foreign ID: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIssues(rows)
}

// IssuesByNormalizedTitle returns rows whose normalized title matches.
// The deduplicator uses this as the second rung of its candidate ladder.
func (s *Store) IssuesByNormalizedTitle(ctx context.Context, projectID, titleNorm string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE project_id = ? AND title_norm = ?
		ORDER BY identifier
	`, projectID, titleNorm)
	if err != nil {
		return nil, fmt.Errorf("failed to get issues by title: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIssues(rows)
}

// CountProjectIssues returns the number of mapped issues in a project.
func (s *Store) CountProjectIssues(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count project issues: %w", err)
	}
	return n, nil
}

// UpsertIssue writes one issue row atomically.
func (s *Store) UpsertIssue(ctx context.Context, issue *types.Issue) error {
	return upsertIssue(ctx, s.db, issue)
}

// UpsertIssues writes all rows in a single IMMEDIATE transaction, per
// the batch-at-end-of-phase contract.
func (s *Store) UpsertIssues(ctx context.Context, issues []*types.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return s.RunInTransaction(ctx, func(tx *sql.Conn) error {
		for _, issue := range issues {
			if err := upsertIssue(ctx, tx, issue); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertIssue(ctx context.Context, q querier, issue *types.Issue) error {
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now
	if issue.ContentHash == "" {
		issue.ContentHash = issue.ComputeContentHash()
	}

	// Monotonic non-decreasing per-system timestamps: MAX against the
	// stored value so a stale observation can never move a clock back.
	_, err := q.ExecContext(ctx, `
		INSERT INTO issues (identifier, project_id, title, title_norm, description, status, priority,
		                    huly_issue_id, tracker_issue_id, huly_modified_at, tracker_modified_at,
		                    huly_status, tracker_status, parent_identifier, sub_issue_count, content_hash,
		                    removed_from_huly, removed_from_tracker, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
		    title = excluded.title,
		    title_norm = excluded.title_norm,
		    description = excluded.description,
		    status = excluded.status,
		    priority = excluded.priority,
		    huly_issue_id = COALESCE(excluded.huly_issue_id, issues.huly_issue_id),
		    tracker_issue_id = COALESCE(excluded.tracker_issue_id, issues.tracker_issue_id),
		    huly_modified_at = MAX(excluded.huly_modified_at, issues.huly_modified_at),
		    tracker_modified_at = MAX(excluded.tracker_modified_at, issues.tracker_modified_at),
		    huly_status = excluded.huly_status,
		    tracker_status = excluded.tracker_status,
		    parent_identifier = excluded.parent_identifier,
		    sub_issue_count = excluded.sub_issue_count,
		    content_hash = excluded.content_hash,
		    removed_from_huly = excluded.removed_from_huly,
		    removed_from_tracker = excluded.removed_from_tracker,
		    updated_at = excluded.updated_at
	`, issue.Identifier, issue.ProjectID, issue.Title, types.NormalizeTitle(issue.Title),
		issue.Description, issue.Status, issue.Priority,
		nullStr(issue.HulyIssueID), nullStr(issue.TrackerIssueID),
		issue.HulyModifiedAt, issue.TrackerModifiedAt,
		issue.HulyStatus, issue.TrackerStatus,
		nullStr(issue.ParentIdentifier), issue.SubIssueCount, nullStr(issue.ContentHash),
		issue.RemovedFromHuly, issue.RemovedFromTracker, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.Identifier, err)
	}
	return nil
}

// MarkRemoved flags an issue as removed from one system. Soft only;
// hard deletion is the reconciler's job.
func (s *Store) MarkRemoved(ctx context.Context, identifier string, system ForeignSystem) error {
	col := "removed_from_huly"
	if system == SystemTracker {
		col = "removed_from_tracker"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET `+col+` = 1, updated_at = ? WHERE identifier = ?`,
		time.Now().UTC(), identifier)
	if err != nil {
		return fmt.Errorf("failed to mark issue removed: %w", err)
	}
	return nil
}

// ClearForeignID drops a stale foreign ID from a row.
func (s *Store) ClearForeignID(ctx context.Context, identifier string, system ForeignSystem) error {
	col, err := foreignColumn(system)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE issues SET `+col+` = NULL, updated_at = ? WHERE identifier = ?`,
		time.Now().UTC(), identifier)
	if err != nil {
		return fmt.Errorf("failed to clear foreign ID: %w", err)
	}
	return nil
}

// DeleteIssue removes a row outright. Only the reconciler's hard-delete
// mode calls this.
func (s *Store) DeleteIssue(ctx context.Context, identifier string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("failed to delete issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("issue not found: %s", identifier)
	}
	return nil
}

// MaxHulyModifiedAt returns the newest observed PM timestamp for the
// project, used to compute incremental modifiedSince cursors.
func (s *Store) MaxHulyModifiedAt(ctx context.Context, projectID string) (int64, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(huly_modified_at) FROM issues WHERE project_id = ?`, projectID).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("failed to get max huly_modified_at: %w", err)
	}
	return ms.Int64, nil
}

func scanIssues(rows *sql.Rows) ([]*types.Issue, error) {
	var issues []*types.Issue
	for rows.Next() {
		var i types.Issue
		var titleNorm string
		var hulyID, trackerID, parent, contentHash sql.NullString
		if err := rows.Scan(&i.Identifier, &i.ProjectID, &i.Title, &titleNorm, &i.Description,
			&i.Status, &i.Priority, &hulyID, &trackerID,
			&i.HulyModifiedAt, &i.TrackerModifiedAt, &i.HulyStatus, &i.TrackerStatus,
			&parent, &i.SubIssueCount, &contentHash,
			&i.RemovedFromHuly, &i.RemovedFromTracker, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		i.HulyIssueID = hulyID.String
		i.TrackerIssueID = trackerID.String
		i.ParentIdentifier = parent.String
		i.ContentHash = contentHash.String
		issues = append(issues, &i)
	}
	return issues, rows.Err()
}
