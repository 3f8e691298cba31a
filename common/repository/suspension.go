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

// CreateSuspensionToken inserts a webhook-wait resume token
func (s *Store) CreateSuspensionToken(ctx context.Context, tok *models.SuspensionToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO suspension_tokens (token, run_id, node_id, expires_at, consumed)
		VALUES ($1, $2, $3, $4, false)`,
		tok.Token, tok.RunID, tok.NodeID, tok.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create suspension token: %w", err)
	}
	return nil
}

// ConsumeSuspensionToken marks a token used and returns it. Single-use:
// an unknown or already-consumed token is ErrNotFound, a known but
// expired one is ErrTokenExpired. The conditional UPDATE makes
// concurrent resumes race safely; exactly one wins.
func (s *Store) ConsumeSuspensionToken(ctx context.Context, token string) (*models.SuspensionToken, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE suspension_tokens
		SET consumed = true
		WHERE token = $1 AND NOT consumed
		RETURNING token, run_id, node_id, expires_at, consumed`,
		token,
	)

	var tok models.SuspensionToken
	err := row.Scan(&tok.Token, &tok.RunID, &tok.NodeID, &tok.ExpiresAt, &tok.Consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume suspension token: %w", err)
	}

	if time.Now().After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return &tok, nil
}

// ExpireTokensForRun consumes all of a run's outstanding tokens, called
// when the run reaches a terminal state
func (s *Store) ExpireTokensForRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE suspension_tokens SET consumed = true WHERE run_id = $1 AND NOT consumed`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("expire tokens for run: %w", err)
	}
	return nil
}
