package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/models"
)

// SaveChunk persists a published stream chunk for replay
func (s *Store) SaveChunk(ctx context.Context, runID uuid.UUID, chunkType, nodeID string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO run_stream_chunks (run_id, node_id, chunk_type, payload, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, now())`,
		runID, nodeID, chunkType, payload,
	)
	if err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}
	return nil
}

// ListChunks returns a run's persisted chunks in publish order
func (s *Store) ListChunks(ctx context.Context, runID uuid.UUID) ([]*models.StreamChunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, COALESCE(node_id, ''), chunk_type, payload, created_at
		FROM run_stream_chunks
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []*models.StreamChunk
	for rows.Next() {
		var c models.StreamChunk
		if err := rows.Scan(&c.ID, &c.RunID, &c.NodeID, &c.ChunkType, &c.Payload, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
