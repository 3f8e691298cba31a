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
)

const workflowColumns = `id, name, graph, active_version_id, share_version,
	schedule_enabled, COALESCE(schedule_cron, ''), COALESCE(schedule_tz, ''),
	COALESCE(schedule_overlap, ''), schedule_next_run, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var w models.Workflow
	err := row.Scan(
		&w.ID, &w.Name, &w.Graph, &w.ActiveVersionID, &w.ShareVersion,
		&w.ScheduleEnabled, &w.ScheduleCron, &w.ScheduleTz,
		&w.ScheduleOverlap, &w.ScheduleNextRun, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	return &w, nil
}

// CreateWorkflow inserts a new workflow with a draft graph
func (s *Store) CreateWorkflow(ctx context.Context, name string, graph json.RawMessage) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO workflows (name, graph, share_version, updated_at)
		VALUES ($1, $2, 0, now())
		RETURNING `+workflowColumns,
		name, graph,
	)
	return scanWorkflow(row)
}

// GetWorkflow fetches a workflow by id
func (s *Store) GetWorkflow(ctx context.Context, id int) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns all workflows, most recently updated first
func (s *Store) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateDraftGraph replaces the editable graph. Published versions and
// in-flight runs are unaffected.
func (s *Store) UpdateDraftGraph(ctx context.Context, id int, graph json.RawMessage) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET graph = $2, updated_at = now() WHERE id = $1`,
		id, graph,
	)
	if err != nil {
		return fmt.Errorf("update draft graph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameWorkflow updates the workflow name
func (s *Store) RenameWorkflow(ctx context.Context, id int, name string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET name = $2, updated_at = now() WHERE id = $1`,
		id, name,
	)
	if err != nil {
		return fmt.Errorf("rename workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkflow removes a workflow; versions and runs cascade
func (s *Store) DeleteWorkflow(ctx context.Context, id int) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActiveVersion points the workflow at a published version
func (s *Store) SetActiveVersion(ctx context.Context, id int, versionID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET active_version_id = $2, updated_at = now() WHERE id = $1`,
		id, versionID,
	)
	if err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSchedule replaces the cron schedule fields
func (s *Store) UpdateSchedule(ctx context.Context, id int, enabled bool, cron, tz, overlap string, nextRun *time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflows
		SET schedule_enabled = $2, schedule_cron = $3, schedule_tz = $4,
		    schedule_overlap = $5, schedule_next_run = $6, updated_at = now()
		WHERE id = $1`,
		id, enabled, cron, tz, overlap, nextRun,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRun records the recomputed cron next-run time
func (s *Store) SetNextRun(ctx context.Context, id int, nextRun time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workflows SET schedule_next_run = $2 WHERE id = $1`,
		id, nextRun,
	)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return nil
}

// ClaimDueCron atomically claims workflows whose cron is due by
// clearing schedule_next_run; the caller recomputes and stores the next
// fire time. SKIP LOCKED lets scheduler instances coexist without
// double-firing.
func (s *Store) ClaimDueCron(ctx context.Context, limit int) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE workflows SET schedule_next_run = NULL
		WHERE id IN (
			SELECT id FROM workflows
			WHERE schedule_enabled AND schedule_next_run <= now()
			ORDER BY schedule_next_run
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING `+workflowColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due cron: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// BumpShareVersion increments the share-revocation counter
func (s *Store) BumpShareVersion(ctx context.Context, id int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET share_version = share_version + 1, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("bump share version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
