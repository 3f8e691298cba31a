package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lyzr/gridflow/common/models"
)

const versionColumns = `id, workflow_id, version_number, graph, input_schema,
	output_schema, COALESCE(change_summary, ''), COALESCE(created_by, ''), created_at`

func scanVersion(row pgx.Row) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	err := row.Scan(
		&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.InputSchema,
		&v.OutputSchema, &v.ChangeSummary, &v.CreatedBy, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

// CreateVersion publishes a new immutable snapshot, allocating the next
// version_number and pointing the workflow at it, all in one
// transaction. The unique (workflow_id, version_number) constraint makes
// concurrent publishes serialize.
func (s *Store) CreateVersion(ctx context.Context, workflowID int, graph, inputSchema, outputSchema json.RawMessage, summary, createdBy string) (*models.WorkflowVersion, error) {
	var version *models.WorkflowVersion

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO workflow_versions
				(id, workflow_id, version_number, graph, input_schema, output_schema, change_summary, created_by, created_at)
			SELECT $1, $2,
				COALESCE(MAX(version_number), 0) + 1,
				$3, $4, $5, $6, $7, now()
			FROM workflow_versions WHERE workflow_id = $2
			RETURNING `+versionColumns,
			uuid.New(), workflowID, graph, inputSchema, outputSchema, summary, createdBy,
		)
		v, err := scanVersion(row)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("concurrent publish for workflow %d: %w", workflowID, err)
			}
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE workflows SET active_version_id = $2, updated_at = now() WHERE id = $1`,
			workflowID, v.ID,
		)
		if err != nil {
			return fmt.Errorf("set active version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		version = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetVersion fetches a version by id
func (s *Store) GetVersion(ctx context.Context, id uuid.UUID) (*models.WorkflowVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM workflow_versions WHERE id = $1`, id)
	return scanVersion(row)
}

// GetActiveVersion resolves a workflow's published version
func (s *Store) GetActiveVersion(ctx context.Context, workflowID int) (*models.WorkflowVersion, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions v
		JOIN workflows w ON w.active_version_id = v.id
		WHERE w.id = $1`,
		workflowID,
	)
	v, err := scanVersion(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish missing workflow from unpublished workflow
		if _, werr := s.GetWorkflow(ctx, workflowID); werr != nil {
			return nil, werr
		}
		return nil, ErrNoActiveVersion
	}
	return v, err
}

// ListVersions returns a workflow's versions, newest first
func (s *Store) ListVersions(ctx context.Context, workflowID int) ([]*models.WorkflowVersion, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions
		WHERE workflow_id = $1
		ORDER BY version_number DESC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
