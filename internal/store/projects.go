package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hulylabs/vibesync/internal/types"
)

// querier is satisfied by *sql.DB and *sql.Conn so the row helpers work
// both standalone and inside RunInTransaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `identifier, name, huly_project_id, tracker_prefix, agent_id,
       fs_path, archived, meta_hash, last_sync_at, created_at, updated_at`

// GetProject returns the project row, or nil when absent.
func (s *Store) GetProject(ctx context.Context, identifier string) (*types.Project, error) {
	return getProject(ctx, s.db, identifier)
}

func getProject(ctx context.Context, q querier, identifier string) (*types.Project, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects WHERE identifier = ?
	`, identifier)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*types.Project, error) {
	var p types.Project
	var hulyID, prefix, agentID, fsPath, metaHash sql.NullString
	var lastSync sql.NullInt64

	err := row.Scan(&p.Identifier, &p.Name, &hulyID, &prefix, &agentID,
		&fsPath, &p.Archived, &metaHash, &lastSync, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.HulyProjectID = hulyID.String
	p.TrackerPrefix = prefix.String
	p.AgentID = agentID.String
	p.FSPath = fsPath.String
	p.MetaHash = metaHash.String
	if lastSync.Valid {
		t := types.FromUnixMilli(lastSync.Int64)
		p.LastSyncAt = &t
	}
	return &p, nil
}

// UpsertProject inserts or updates a project row. The identifier is
// immutable; updates never touch it.
func (s *Store) UpsertProject(ctx context.Context, p *types.Project) error {
	return upsertProject(ctx, s.db, p)
}

func upsertProject(ctx context.Context, q querier, p *types.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var lastSync any
	if p.LastSyncAt != nil {
		lastSync = types.UnixMilli(*p.LastSyncAt)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO projects (identifier, name, huly_project_id, tracker_prefix, agent_id,
		                      fs_path, archived, meta_hash, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
		    name = excluded.name,
		    huly_project_id = excluded.huly_project_id,
		    tracker_prefix = excluded.tracker_prefix,
		    agent_id = excluded.agent_id,
		    fs_path = excluded.fs_path,
		    archived = excluded.archived,
		    meta_hash = excluded.meta_hash,
		    last_sync_at = excluded.last_sync_at,
		    updated_at = excluded.updated_at
	`, p.Identifier, p.Name, nullStr(p.HulyProjectID), nullStr(p.TrackerPrefix), nullStr(p.AgentID),
		nullStr(p.FSPath), p.Archived, nullStr(p.MetaHash), lastSync, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// ListProjects returns all projects, optionally including archived ones.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]*types.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY identifier`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		var p types.Project
		var hulyID, prefix, agentID, fsPath, metaHash sql.NullString
		var lastSync sql.NullInt64
		if err := rows.Scan(&p.Identifier, &p.Name, &hulyID, &prefix, &agentID,
			&fsPath, &p.Archived, &metaHash, &lastSync, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.HulyProjectID = hulyID.String
		p.TrackerPrefix = prefix.String
		p.AgentID = agentID.String
		p.FSPath = fsPath.String
		p.MetaHash = metaHash.String
		if lastSync.Valid {
			t := types.FromUnixMilli(lastSync.Int64)
			p.LastSyncAt = &t
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// SetProjectAgent binds the project to an agent ID. The mapping store
// copy is authoritative; settings.local.json is informational only.
func (s *Store) SetProjectAgent(ctx context.Context, identifier, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET agent_id = ?, updated_at = ? WHERE identifier = ?
	`, nullStr(agentID), time.Now().UTC(), identifier)
	if err != nil {
		return fmt.Errorf("failed to set project agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project not found: %s", identifier)
	}
	return nil
}

// TouchLastSync records the completion time of a project sync.
func (s *Store) TouchLastSync(ctx context.Context, identifier string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET last_sync_at = ?, updated_at = ? WHERE identifier = ?
	`, types.UnixMilli(at), time.Now().UTC(), identifier)
	if err != nil {
		return fmt.Errorf("failed to touch last_sync_at: %w", err)
	}
	return nil
}
