package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
)

const runColumns = `id, workflow_id, workflow_version_id, snapshot_graph, status,
	trigger_type, input_data, output_data, COALESCE(error, ''), pinned, started_at,
	completed_at, parent_run_id, COALESCE(parent_node_id, ''), depth`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	err := row.Scan(
		&r.ID, &r.WorkflowID, &r.WorkflowVersionID, &r.SnapshotGraph, &r.Status,
		&r.Trigger, &r.InputData, &r.OutputData, &r.Error, &r.Pinned, &r.StartedAt,
		&r.CompletedAt, &r.ParentRunID, &r.ParentNodeID, &r.Depth,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// CreateRunWithEvents inserts the run row and its initial events in one
// transaction. Any failure rolls back the whole creation: no
// half-created runs.
func (s *Store) CreateRunWithEvents(ctx context.Context, run *models.Run, events []*models.RunEvent) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_runs
				(id, workflow_id, workflow_version_id, snapshot_graph, status, trigger_type,
				 input_data, pinned, started_at, parent_run_id, parent_node_id, depth)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, NULLIF($10, ''), $11)`,
			run.ID, run.WorkflowID, run.WorkflowVersionID, run.SnapshotGraph,
			run.Status, run.Trigger, run.InputData, run.Pinned,
			run.ParentRunID, run.ParentNodeID, run.Depth,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, ev := range events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun fetches a run by id
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	return scanRun(row)
}

// ListRuns returns a workflow's runs, newest first
func (s *Store) ListRuns(ctx context.Context, workflowID int, limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// MarkRunRunning flips pending -> running; a no-op on any other status
func (s *Store) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workflow_runs SET status = 'running' WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FinishRun records a terminal status with output or error. Returns
// false when the run was already terminal, resolving races between
// completion, failure and cancellation in favor of whoever got there
// first.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status sdk.RunStatus, output json.RawMessage, errMsg string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, output_data = $3, error = NULLIF($4, ''), completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, output, errMsg,
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetRunPinned toggles retention pinning
func (s *Store) SetRunPinned(ctx context.Context, id uuid.UUID, pinned bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_runs SET pinned = $2 WHERE id = $1`,
		id, pinned,
	)
	if err != nil {
		return fmt.Errorf("set run pinned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildRuns returns the direct, non-terminal children of a run
func (s *Store) ListChildRuns(ctx context.Context, parentID uuid.UUID) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE parent_run_id = $1 AND status IN ('pending', 'running')`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list child runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListStaleRuns finds runs past the wall-clock bound with no recent
// event, candidates for the reaper
func (s *Store) ListStaleRuns(ctx context.Context, maxWall, staleAfter time.Duration, limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs r
		WHERE r.status = 'running'
		  AND r.started_at < now() - $1::interval
		  AND NOT EXISTS (
			SELECT 1 FROM run_events e
			WHERE e.run_id = r.id AND e.created_at > now() - $2::interval
		  )
		LIMIT $3`,
		maxWall, staleAfter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// CountActiveCronRuns counts non-terminal cron-triggered runs of a
// workflow, consulted by the overlap modes
func (s *Store) CountActiveCronRuns(ctx context.Context, workflowID int) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE workflow_id = $1 AND trigger_type = 'cron' AND status IN ('pending', 'running')`,
		workflowID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active cron runs: %w", err)
	}
	return n, nil
}

func collectRuns(rows pgx.Rows) ([]*models.Run, error) {
	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
