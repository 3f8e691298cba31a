package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTerminal is returned when a terminal node event insert
	// hits the (run_id, node_id, retry_count, event_type) unique index.
	// Duplicate deliveries surface as this and are dropped, not retried.
	ErrDuplicateTerminal = errors.New("terminal event already recorded")

	// ErrTokenExpired is returned when a suspension token is past its expiry
	ErrTokenExpired = errors.New("suspension token expired")

	// ErrNoActiveVersion is returned when a workflow has never been published
	ErrNoActiveVersion = errors.New("workflow has no active version")
)

// isUniqueViolation reports whether err is a Postgres 23505
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
