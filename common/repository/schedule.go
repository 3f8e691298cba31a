package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/models"
)

// CreateScheduledEvent inserts a due-time trigger
func (s *Store) CreateScheduledEvent(ctx context.Context, ev *models.ScheduledEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_events (kind, due_at, target_run_id, target_node_id, target_workflow_id, payload)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		ev.Kind, ev.DueAt, ev.TargetRunID, ev.TargetNodeID, ev.TargetWorkflowID, ev.Payload,
	)
	if err != nil {
		return fmt.Errorf("create scheduled event: %w", err)
	}
	return nil
}

// ClaimDueEvents atomically removes and returns due events. DELETE with
// SKIP LOCKED makes the claim safe across scheduler instances: an event
// is handed to exactly one of them.
func (s *Store) ClaimDueEvents(ctx context.Context, limit int) ([]*models.ScheduledEvent, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM scheduled_events
		WHERE id IN (
			SELECT id FROM scheduled_events
			WHERE due_at <= now()
			ORDER BY due_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, kind, due_at, target_run_id, COALESCE(target_node_id, ''), target_workflow_id, payload`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledEvent
	for rows.Next() {
		var ev models.ScheduledEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.DueAt, &ev.TargetRunID, &ev.TargetNodeID, &ev.TargetWorkflowID, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan scheduled event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// DeleteScheduledEventsForRun drops a run's pending timers, called when
// the run reaches a terminal state
func (s *Store) DeleteScheduledEventsForRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_events WHERE target_run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete scheduled events: %w", err)
	}
	return nil
}
