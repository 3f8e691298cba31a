package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/gridflow/common/models"
)

const batchColumns = `id, run_id, node_id, total_items, concurrency_limit, fail_fast,
	input_items, child_workflow_id, child_version_id, child_graph, COALESCE(child_depth, 0),
	current_index, active_count, completed_count, failed_count, status,
	COALESCE(timeout_ms, 0), created_at, completed_at`

func scanBatch(row pgx.Row) (*models.BatchOperation, error) {
	var b models.BatchOperation
	err := row.Scan(
		&b.ID, &b.RunID, &b.NodeID, &b.TotalItems, &b.ConcurrencyLimit, &b.FailFast,
		&b.InputItems, &b.ChildWorkflowID, &b.ChildVersionID, &b.ChildGraph, &b.ChildDepth,
		&b.CurrentIndex, &b.ActiveCount, &b.CompletedCount, &b.FailedCount, &b.Status,
		&b.TimeoutMs, &b.CreatedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return &b, nil
}

// CreateBatch inserts a new batch operation row
func (s *Store) CreateBatch(ctx context.Context, b *models.BatchOperation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO batch_operations
			(id, run_id, node_id, total_items, concurrency_limit, fail_fast, input_items,
			 child_workflow_id, child_version_id, child_graph, child_depth,
			 current_index, active_count, completed_count, failed_count, status, timeout_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0, 0, 0, $12, NULLIF($13, 0), now())`,
		b.ID, b.RunID, b.NodeID, b.TotalItems, b.ConcurrencyLimit, b.FailFast, b.InputItems,
		b.ChildWorkflowID, b.ChildVersionID, b.ChildGraph, b.ChildDepth,
		b.Status, b.TimeoutMs,
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by id
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchOperation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_operations WHERE id = $1`, id)
	return scanBatch(row)
}

// MutateBatch loads the batch under FOR UPDATE, applies fn to it, and
// writes the counters and status back. The batch row is the one hot
// contention point of the map engine; every counter change goes through
// this row lock.
func (s *Store) MutateBatch(ctx context.Context, id uuid.UUID, fn func(b *models.BatchOperation) error) (*models.BatchOperation, error) {
	var result *models.BatchOperation

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_operations WHERE id = $1 FOR UPDATE`, id)
		b, err := scanBatch(row)
		if err != nil {
			return err
		}

		if err := fn(b); err != nil {
			return err
		}

		var completedAt *time.Time
		if b.Status.Terminal() {
			now := time.Now()
			if b.CompletedAt != nil {
				completedAt = b.CompletedAt
			} else {
				completedAt = &now
				b.CompletedAt = &now
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE batch_operations
			SET current_index = $2, active_count = $3, completed_count = $4,
			    failed_count = $5, status = $6, completed_at = $7
			WHERE id = $1`,
			b.ID, b.CurrentIndex, b.ActiveCount, b.CompletedCount,
			b.FailedCount, b.Status, completedAt,
		)
		if err != nil {
			return fmt.Errorf("update batch: %w", err)
		}

		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertBatchResult records one item terminal. The composite primary
// key makes recording at-most-once: a duplicate reports inserted=false.
func (s *Store) InsertBatchResult(ctx context.Context, r *models.BatchResult) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO batch_results (batch_id, item_index, child_run_id, status, output, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())
		ON CONFLICT (batch_id, item_index) DO NOTHING`,
		r.BatchID, r.ItemIndex, r.ChildRunID, r.Status, r.Output, r.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("insert batch result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListBatchResults returns results ordered by item_index, the order
// presented to the parent regardless of completion order
func (s *Store) ListBatchResults(ctx context.Context, batchID uuid.UUID) ([]*models.BatchResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT batch_id, item_index, child_run_id, status, output, COALESCE(error_message, ''), created_at
		FROM batch_results
		WHERE batch_id = $1
		ORDER BY item_index`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list batch results: %w", err)
	}
	defer rows.Close()

	var out []*models.BatchResult
	for rows.Next() {
		var r models.BatchResult
		if err := rows.Scan(&r.BatchID, &r.ItemIndex, &r.ChildRunID, &r.Status, &r.Output, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListBatchesForRun returns all batch operations belonging to a run
func (s *Store) ListBatchesForRun(ctx context.Context, runID uuid.UUID) ([]*models.BatchOperation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM batch_operations WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list batches for run: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListExpiredBatches returns running batches past their timeout
func (s *Store) ListExpiredBatches(ctx context.Context, limit int) ([]*models.BatchOperation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batch_operations
		WHERE status = 'running'
		  AND timeout_ms IS NOT NULL
		  AND created_at + (timeout_ms || ' milliseconds')::interval < now()
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// ListOrphanedBatches returns running batches whose parent run is
// already terminal
func (s *Store) ListOrphanedBatches(ctx context.Context, limit int) ([]*models.BatchOperation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batch_operations b
		JOIN workflow_runs r ON r.id = b.run_id
		WHERE b.status = 'running'
		  AND r.status IN ('completed', 'failed', 'cancelled')
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows pgx.Rows) ([]*models.BatchOperation, error) {
	var out []*models.BatchOperation
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
