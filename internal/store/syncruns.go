package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hulylabs/vibesync/internal/types"
)

// StartSyncRun opens a new run record and returns its ID.
func (s *Store) StartSyncRun(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (id, started_at) VALUES (?, ?)
	`, id, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start sync run: %w", err)
	}
	return id, nil
}

// CompleteSyncRun records counters and errors for a finished run.
func (s *Store) CompleteSyncRun(ctx context.Context, run *types.SyncRun) error {
	errJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history
		SET completed_at = ?, created_count = ?, updated_count = ?,
		    skipped_count = ?, failed_count = ?, errors = ?
		WHERE id = ?
	`, now, run.Created, run.Updated, run.Skipped, run.Failed, string(errJSON), run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sync run not found: %s", run.ID)
	}
	return nil
}

// GetSyncRun returns a run record by ID, or nil.
func (s *Store) GetSyncRun(ctx context.Context, id string) (*types.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, created_count, updated_count,
		       skipped_count, failed_count, errors
		FROM sync_history WHERE id = ?
	`, id)
	return scanSyncRun(row.Scan)
}

// RecentSyncRuns returns the newest runs, most recent first.
func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]*types.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, created_count, updated_count,
		       skipped_count, failed_count, errors
		FROM sync_history ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*types.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanSyncRun(scan func(...any) error) (*types.SyncRun, error) {
	var run types.SyncRun
	var completed sql.NullTime
	var errJSON string
	err := scan(&run.ID, &run.StartedAt, &completed, &run.Created, &run.Updated,
		&run.Skipped, &run.Failed, &errJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}
	if completed.Valid {
		t := completed.Time.UTC()
		run.CompletedAt = &t
	}
	if errJSON != "" && errJSON != "[]" {
		if err := json.Unmarshal([]byte(errJSON), &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
		}
	}
	return &run, nil
}
