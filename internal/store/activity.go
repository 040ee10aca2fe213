package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordActivityResult journals an activity result so a replayed run
// returns the recorded value instead of re-executing the side effect.
// Recording is first-write-wins: a replay racing the original keeps the
// original's result.
func (s *Store) RecordActivityResult(ctx context.Context, runID, activityID, result string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_results (run_id, activity_id, result, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, activity_id) DO NOTHING
	`, runID, activityID, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record activity result: %w", err)
	}
	return nil
}

// GetActivityResult returns a journaled result and whether one exists.
func (s *Store) GetActivityResult(ctx context.Context, runID, activityID string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM activity_results WHERE run_id = ? AND activity_id = ?
	`, runID, activityID).Scan(&result)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get activity result: %w", err)
	}
	return result, true, nil
}

// PurgeActivityResults drops the journal for a completed run.
func (s *Store) PurgeActivityResults(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activity_results WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to purge activity results: %w", err)
	}
	return nil
}

// SaveCheckpoint marks a project as completed within a full-sync run.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fullsync_checkpoints (run_id, project_id, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, project_id) DO NOTHING
	`, runID, projectID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the project IDs already completed in a run.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id FROM fullsync_checkpoints WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	done := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// GetMeta returns a value from the meta table, "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a key/value pair in the meta table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}
