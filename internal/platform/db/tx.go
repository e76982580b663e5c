package db

import (
	"context"
	"errors"
	"fmt"

	pgconnv1 "github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSerialization is returned when PostgreSQL aborts a transaction due to
	// a serialization failure or deadlock. The whole unit of work may be retried.
	ErrSerialization = errors.New("platform/db: serialization failure")
	// ErrUniqueViolation wraps SQLSTATE 23505.
	ErrUniqueViolation = errors.New("platform/db: unique violation")
	// ErrNoRows mirrors pgx.ErrNoRows so callers do not import pgx.
	ErrNoRows = errors.New("platform/db: no rows")
)

const (
	sqlStateSerialization = "40001"
	sqlStateDeadlock      = "40P01"
	sqlStateUnique        = "23505"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

// WithTxOptions executes fn inside a transaction with the supplied options.
// Commit failures are classified so serialization aborts surface as ErrSerialization.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	if pool == nil {
		return errors.New("platform/db: pool not initialised")
	}
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return ClassifyError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", ClassifyError(err))
	}

	return nil
}

// ClassifyError maps driver errors onto the package sentinels while keeping
// the original error in the chain.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSerialization) || errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrNoRows) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNoRows, err)
	}
	code := sqlState(err)
	switch code {
	case sqlStateSerialization, sqlStateDeadlock:
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	case sqlStateUnique:
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// IsRetryable reports whether the error is a transient isolation failure.
func IsRetryable(err error) bool {
	return errors.Is(ClassifyError(err), ErrSerialization)
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var legacy *pgconnv1.PgError
	if errors.As(err, &legacy) {
		return legacy.Code
	}
	return ""
}
