package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists processed keys together with the response they
// produced, so a replayed request can be answered without re-executing it.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrIdempotencyConflict indicates a duplicate key whose first request has not
// finished yet.
var ErrIdempotencyConflict = errors.New("idempotent request already in progress")

// Claim reserves key for module inside q. When the key was already completed
// the stored response is returned with claimed=false. Claims made inside a
// transaction disappear on rollback.
func (s *IdempotencyStore) Claim(ctx context.Context, q DBTX, module, key string) (prior []byte, claimed bool, err error) {
	module = strings.TrimSpace(module)
	key = strings.TrimSpace(key)
	if module == "" {
		return nil, false, errors.New("idempotency module required")
	}
	if key == "" {
		return nil, false, errors.New("idempotency key required")
	}
	if q == nil {
		if s == nil || s.pool == nil {
			return nil, false, errors.New("idempotency store not initialised")
		}
		q = s.pool
	}
	tag, err := q.Exec(ctx, `INSERT INTO idempotency_keys (module, key, created_at) VALUES ($1, $2, $3)
ON CONFLICT (module, key) DO NOTHING`, module, key, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	var response []byte
	if err := q.QueryRow(ctx, `SELECT response FROM idempotency_keys WHERE module=$1 AND key=$2`, module, key).Scan(&response); err != nil {
		return nil, false, err
	}
	if len(response) == 0 {
		return nil, false, ErrIdempotencyConflict
	}
	return response, false, nil
}

// Complete stores the response for a claimed key.
func (s *IdempotencyStore) Complete(ctx context.Context, q DBTX, module, key string, response []byte) error {
	if q == nil {
		if s == nil || s.pool == nil {
			return errors.New("idempotency store not initialised")
		}
		q = s.pool
	}
	_, err := q.Exec(ctx, `UPDATE idempotency_keys SET response=$3 WHERE module=$1 AND key=$2`, module, key, response)
	return err
}

// Cleanup removes entries older than retention and reports how many were purged.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
