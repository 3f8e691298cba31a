// Package repository is the single gateway to the durable store. It
// owns every SQL statement and translates driver errors into the
// sentinel errors the rest of the system branches on.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/gridflow/common/db"
	"github.com/lyzr/gridflow/common/logger"
)

// Store bundles all table repositories over one connection pool
type Store struct {
	db  *db.DB
	log *logger.Logger
}

// New creates a store
func New(database *db.DB, log *logger.Logger) *Store {
	return &Store{
		db:  database,
		log: log,
	}
}

// withTx runs fn inside a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
