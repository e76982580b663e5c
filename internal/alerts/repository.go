package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists alerts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) StoreIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM stores ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) LowStockCandidates(ctx context.Context, storeID int64) ([]LowStockCandidate, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, i.quantity_on_hand, p.reorder_level
FROM inventory i
JOIN products p ON p.id = i.product_id
WHERE i.store_id=$1 AND NOT p.is_deleted AND i.quantity_on_hand <= p.reorder_level
ORDER BY p.id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LowStockCandidate
	for rows.Next() {
		var c LowStockCandidate
		if err := rows.Scan(&c.ProductID, &c.ProductName, &c.OnHand, &c.ReorderLevel); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) ExpiryCandidates(ctx context.Context, storeID int64, from, before time.Time) ([]ExpiryCandidate, error) {
	rows, err := r.pool.Query(ctx, `SELECT b.id, b.batch_number, p.id, p.name, b.remaining_quantity, b.expiry_date
FROM batches b
JOIN products p ON p.id = b.product_id
WHERE b.store_id=$1 AND b.status='Active' AND b.expiry_date IS NOT NULL
  AND b.expiry_date >= $2 AND b.expiry_date <= $3
ORDER BY b.expiry_date, b.id`, storeID, from, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpiryCandidate
	for rows.Next() {
		var c ExpiryCandidate
		if err := rows.Scan(&c.BatchID, &c.BatchNumber, &c.ProductID, &c.ProductName, &c.Remaining, &c.ExpiryDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertUnlessOpen relies on the partial unique indexes over unread alerts
// to stay idempotent when two refreshes race.
func (r *Repository) InsertUnlessOpen(ctx context.Context, a Alert, dedupSince *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `INSERT INTO alerts (alert_type, store_id, product_id, batch_id, message, is_read, created_at)
SELECT $1, $2, $3, $4, $5, FALSE, $6
WHERE NOT EXISTS (
  SELECT 1 FROM alerts
  WHERE alert_type=$1 AND store_id=$2 AND product_id=$3
    AND batch_id IS NOT DISTINCT FROM $4
    AND (NOT is_read OR ($7::timestamptz IS NOT NULL AND created_at >= $7))
)
ON CONFLICT DO NOTHING`, string(a.Type), a.StoreID, a.ProductID, a.BatchID, a.Message, a.CreatedAt, dedupSince)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) List(ctx context.Context, storeID int64, readSince time.Time) ([]Alert, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, alert_type, store_id, product_id, batch_id, message, is_read, created_at
FROM alerts
WHERE store_id=$1 AND (NOT is_read OR created_at >= $2)
ORDER BY created_at DESC, id DESC
LIMIT 500`, storeID, readSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.StoreID, &a.ProductID, &a.BatchID, &a.Message, &a.IsRead, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRead(ctx context.Context, storeID, alertID int64) error {
	if r == nil || r.pool == nil {
		return errors.New("alerts repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE alerts SET is_read=TRUE WHERE id=$1 AND store_id=$2`, alertID, storeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}
