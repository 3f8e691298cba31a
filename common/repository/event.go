package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
)

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AppendEvent appends one event to a run's log. For NODE_COMPLETED and
// NODE_FAILED the unique index turns a duplicate delivery into
// ErrDuplicateTerminal, which callers drop silently.
func (s *Store) AppendEvent(ctx context.Context, ev *models.RunEvent) error {
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, q execer, ev *models.RunEvent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO run_events (run_id, node_id, event_type, payload, retry_count, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, now())`,
		ev.RunID, ev.NodeID, ev.EventType, ev.Payload, ev.RetryCount,
	)
	if err != nil {
		if isUniqueViolation(err) && sdk.TerminalNodeEvent(ev.EventType) {
			return ErrDuplicateTerminal
		}
		return fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	return nil
}

// ListEvents returns a run's full log in id order
func (s *Store) ListEvents(ctx context.Context, runID uuid.UUID) ([]models.RunEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, COALESCE(node_id, ''), event_type, payload, COALESCE(retry_count, 0), created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.RunEvent
	for rows.Next() {
		var ev models.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.NodeID, &ev.EventType, &ev.Payload, &ev.RetryCount, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
