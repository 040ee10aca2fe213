package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hulylabs/vibesync/internal/types"
)

// CreatePendingOp records intent before a remote mutation. The returned
// ID is used to resolve the op once both the mutation and the mapping
// write have landed.
func (s *Store) CreatePendingOp(ctx context.Context, op *types.PendingOp) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.State == "" {
		op.State = types.OpPending
	}
	if op.Payload == "" {
		op.Payload = "{}"
	}
	op.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_ops (id, op_type, system, project_id, identifier, payload, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.OpType, op.System, op.ProjectID, nullStr(op.Identifier),
		op.Payload, op.State, op.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to create pending op: %w", err)
	}
	return op.ID, nil
}

// ResolvePendingOp marks an op succeeded or failed.
func (s *Store) ResolvePendingOp(ctx context.Context, id string, state types.PendingOpState) error {
	if state != types.OpSucceeded && state != types.OpFailed {
		return fmt.Errorf("invalid resolution state: %s", state)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_ops SET state = ?, resolved_at = ? WHERE id = ? AND state = 'pending'
	`, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve pending op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pending op not found or already resolved: %s", id)
	}
	return nil
}

// ListUnresolvedPendingOps returns ops still in the pending state,
// oldest first. The orchestrator replays these at startup before the
// first sync pass.
func (s *Store) ListUnresolvedPendingOps(ctx context.Context) ([]*types.PendingOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, system, project_id, identifier, payload, state, created_at, resolved_at
		FROM pending_ops WHERE state = 'pending' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending ops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*types.PendingOp
	for rows.Next() {
		var op types.PendingOp
		var identifier sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&op.ID, &op.OpType, &op.System, &op.ProjectID,
			&identifier, &op.Payload, &op.State, &op.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		op.Identifier = identifier.String
		if resolved.Valid {
			t := resolved.Time.UTC()
			op.ResolvedAt = &t
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// PurgeResolvedPendingOps deletes resolved ops older than the cutoff.
func (s *Store) PurgeResolvedPendingOps(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_ops WHERE state != 'pending' AND resolved_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending ops: %w", err)
	}
	return res.RowsAffected()
}
