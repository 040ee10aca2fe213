package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hulylabs/vibesync/internal/types"
)

// UpsertProjectFile records one uploaded agent-memory file in the
// derived cache. The cache can be rebuilt by re-uploading everything,
// so rows carry no history.
func (s *Store) UpsertProjectFile(ctx context.Context, f *types.ProjectFile) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_files (project_id, rel_path, content_hash, remote_file_id, size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, rel_path) DO UPDATE SET
		    content_hash = excluded.content_hash,
		    remote_file_id = excluded.remote_file_id,
		    size = excluded.size,
		    updated_at = excluded.updated_at
	`, f.ProjectID, f.RelPath, f.ContentHash, nullStr(f.RemoteFileID), f.Size, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project file: %w", err)
	}
	return nil
}

// GetProjectFile returns one cached file row, or nil.
func (s *Store) GetProjectFile(ctx context.Context, projectID, relPath string) (*types.ProjectFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, rel_path, content_hash, remote_file_id, size, updated_at
		FROM project_files WHERE project_id = ? AND rel_path = ?
	`, projectID, relPath)
	var f types.ProjectFile
	var remoteID sql.NullString
	err := row.Scan(&f.ProjectID, &f.RelPath, &f.ContentHash, &remoteID, &f.Size, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project file: %w", err)
	}
	f.RemoteFileID = remoteID.String
	return &f, nil
}

// ListProjectFiles returns all cached file rows for a project.
func (s *Store) ListProjectFiles(ctx context.Context, projectID string) ([]*types.ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, rel_path, content_hash, remote_file_id, size, updated_at
		FROM project_files WHERE project_id = ? ORDER BY rel_path
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*types.ProjectFile
	for rows.Next() {
		var f types.ProjectFile
		var remoteID sql.NullString
		if err := rows.Scan(&f.ProjectID, &f.RelPath, &f.ContentHash, &remoteID, &f.Size, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project file: %w", err)
		}
		f.RemoteFileID = remoteID.String
		files = append(files, &f)
	}
	return files, rows.Err()
}

// DeleteProjectFile drops one cached row after the remote copy is gone.
func (s *Store) DeleteProjectFile(ctx context.Context, projectID, relPath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_files WHERE project_id = ? AND rel_path = ?
	`, projectID, relPath)
	if err != nil {
		return fmt.Errorf("failed to delete project file: %w", err)
	}
	return nil
}
