package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storeinv/backoffice/internal/platform/db"
	"github.com/storeinv/backoffice/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	idem *shared.IdempotencyStore
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, idem *shared.IdempotencyStore) *Repository {
	return &Repository{pool: pool, idem: idem}
}

type txRepository struct {
	tx   pgx.Tx
	idem *shared.IdempotencyStore
}

const batchColumns = `id, batch_number, product_id, store_id, COALESCE(invoice_id, 0), received_quantity,
remaining_quantity, production_date, expiry_date, received_date, status`

const fefoOrder = `ORDER BY expiry_date ASC NULLS LAST, received_date ASC, id ASC`

const txColumns = `id, transaction_type, product_id, store_id, batch_id, quantity, on_hand_delta, stored_delta,
reference_id, created_by, created_at, notes`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, idem: r.idem})
	})
}

func (r *Repository) GetInventory(ctx context.Context, productID, storeID int64) (InventoryRecord, error) {
	var rec InventoryRecord
	err := r.pool.QueryRow(ctx, `SELECT product_id, store_id, quantity_on_hand, quantity_stored, updated_at
FROM inventory WHERE product_id=$1 AND store_id=$2`, productID, storeID).
		Scan(&rec.ProductID, &rec.StoreID, &rec.OnHand, &rec.Stored, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *Repository) ActiveBatches(ctx context.Context, productID, storeID, minRemaining int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id=$1 AND store_id=$2 AND status='Active' AND remaining_quantity >= $3
`+fefoOrder, productID, storeID, minRemaining)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *Repository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE store_id=$1
  AND ($2::bigint = 0 OR product_id = $2)
  AND ($3::text = '' OR status = $3)
`+fefoOrder+`
LIMIT $4`, filter.StoreID, filter.ProductID, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *Repository) CountExpiringBatches(ctx context.Context, storeID int64, before time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batches
WHERE store_id=$1 AND status='Active' AND expiry_date IS NOT NULL AND expiry_date <= $2`, storeID, before).Scan(&n)
	return n, err
}

func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+txColumns+` FROM inventory_transactions
WHERE store_id=$1
  AND ($2::bigint = 0 OR product_id = $2)
  AND ($3::text = '' OR transaction_type = $3)
  AND created_at BETWEEN COALESCE($4, '-infinity'::timestamptz) AND COALESCE($5, 'infinity'::timestamptz)
ORDER BY created_at DESC, id DESC
LIMIT $6`, filter.StoreID, filter.ProductID, string(filter.Type), nullTime(filter.From), nullTime(filter.To), filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) ListLevels(ctx context.Context, storeID int64) ([]StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, i.quantity_on_hand, i.quantity_stored, p.reorder_level
FROM inventory i
JOIN products p ON p.id = i.product_id
WHERE i.store_id=$1 AND NOT p.is_deleted
ORDER BY i.quantity_on_hand ASC, p.name ASC`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	levels := []StockLevel{}
	for rows.Next() {
		var l StockLevel
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.OnHand, &l.Stored, &l.ReorderLevel); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func (r *Repository) LoggedDeltas(ctx context.Context, productID, storeID int64) (int64, int64, error) {
	var onHand, stored int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(on_hand_delta), 0), COALESCE(SUM(stored_delta), 0)
FROM inventory_transactions WHERE product_id=$1 AND store_id=$2`, productID, storeID).Scan(&onHand, &stored)
	return onHand, stored, err
}

func (r *Repository) ListReconciliations(ctx context.Context) ([]Reconciliation, error) {
	rows, err := r.pool.Query(ctx, `WITH logged AS (
  SELECT product_id, store_id, SUM(on_hand_delta) AS on_hand, SUM(stored_delta) AS stored
  FROM inventory_transactions GROUP BY product_id, store_id
)
SELECT COALESCE(i.product_id, l.product_id), COALESCE(i.store_id, l.store_id),
       COALESCE(i.quantity_on_hand, 0), COALESCE(i.quantity_stored, 0),
       COALESCE(l.on_hand, 0), COALESCE(l.stored, 0)
FROM inventory i
FULL OUTER JOIN logged l ON l.product_id = i.product_id AND l.store_id = i.store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Reconciliation{}
	for rows.Next() {
		var rc Reconciliation
		if err := rows.Scan(&rc.ProductID, &rc.StoreID, &rc.OnHand, &rc.Stored, &rc.LoggedOnHand, &rc.LoggedStored); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *Repository) ExpiredBatches(ctx context.Context, asOf time.Time, limit int) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE status='Active' AND expiry_date IS NOT NULL AND expiry_date < $1
`+fefoOrder+`
LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepository) StoreExists(ctx context.Context, storeID int64) (bool, error) {
	var ok bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stores WHERE id=$1)`, storeID).Scan(&ok)
	return ok, err
}

func (r *txRepository) GetProduct(ctx context.Context, productID int64) (Product, error) {
	var p Product
	err := r.tx.QueryRow(ctx, `SELECT id, name, unit_cost, unit_price, reorder_level, is_deleted FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.Name, &p.UnitCost, &p.UnitPrice, &p.ReorderLevel, &p.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (r *txRepository) LockInventory(ctx context.Context, productID, storeID int64) (InventoryRecord, error) {
	var rec InventoryRecord
	err := r.tx.QueryRow(ctx, `SELECT product_id, store_id, quantity_on_hand, quantity_stored, updated_at
FROM inventory WHERE product_id=$1 AND store_id=$2 FOR UPDATE`, productID, storeID).
		Scan(&rec.ProductID, &rec.StoreID, &rec.OnHand, &rec.Stored, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return InventoryRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *txRepository) UpsertInventory(ctx context.Context, rec InventoryRecord) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory (product_id, store_id, quantity_on_hand, quantity_stored, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (product_id, store_id) DO UPDATE SET quantity_on_hand=EXCLUDED.quantity_on_hand,
  quantity_stored=EXCLUDED.quantity_stored, updated_at=EXCLUDED.updated_at`,
		rec.ProductID, rec.StoreID, rec.OnHand, rec.Stored, rec.UpdatedAt)
	return err
}

func (r *txRepository) FEFOBatch(ctx context.Context, productID, storeID, quantity int64, forUpdate bool) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
WHERE product_id=$1 AND store_id=$2 AND status='Active' AND remaining_quantity >= $3
` + fefoOrder + `
LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBatch(r.tx.QueryRow(ctx, query, productID, storeID, quantity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *txRepository) LockBatch(ctx context.Context, batchID int64) (Batch, error) {
	b, err := scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrBatchNotFound
	}
	return b, err
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (batch_number, product_id, store_id, invoice_id, received_quantity,
remaining_quantity, production_date, expiry_date, received_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		b.BatchNumber, b.ProductID, b.StoreID, nullInt(b.InvoiceID), b.ReceivedQuantity, b.RemainingQuantity,
		b.ProductionDate, b.ExpiryDate, b.ReceivedDate, string(b.Status)).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateBatch(ctx context.Context, b Batch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET remaining_quantity=$2, status=$3 WHERE id=$1`,
		b.ID, b.RemainingQuantity, string(b.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (invoice_number, invoice_type, store_id, user_id, party_id,
payment_method, total_amount, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		inv.Number, string(inv.Type), inv.StoreID, inv.UserID, nullInt(inv.PartyID), inv.PaymentMethod,
		inv.Total, inv.Notes, inv.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, line := range inv.Lines {
		batch.Queue(`INSERT INTO invoice_line_items (invoice_id, product_id, quantity, unit_price, unit_cost, subtotal)
VALUES ($1,$2,$3,$4,$5,$6)`, id, line.ProductID, line.Quantity, line.UnitPrice, line.UnitCost, line.Subtotal)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *txRepository) LockInvoiceByNumber(ctx context.Context, number string) (Invoice, error) {
	var inv Invoice
	err := r.tx.QueryRow(ctx, `SELECT id, invoice_number, invoice_type, store_id, user_id, COALESCE(party_id, 0),
payment_method, total_amount, notes, created_at
FROM invoices WHERE invoice_number=$1 FOR UPDATE`, number).
		Scan(&inv.ID, &inv.Number, &inv.Type, &inv.StoreID, &inv.UserID, &inv.PartyID,
			&inv.PaymentMethod, &inv.Total, &inv.Notes, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, invoice_id, product_id, quantity, unit_price, unit_cost, subtotal
FROM invoice_line_items WHERE invoice_id=$1 ORDER BY id`, inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.UnitCost, &l.Subtotal); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

func (r *txRepository) ReturnedQuantity(ctx context.Context, invoiceLineID int64) (int64, error) {
	var qty int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM return_line_items WHERE invoice_line_id=$1`, invoiceLineID).Scan(&qty)
	return qty, err
}

func (r *txRepository) InsertReturn(ctx context.Context, ret ReturnRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO returns (return_number, invoice_id, store_id, user_id, reason, refund_total, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		ret.Number, ret.InvoiceID, ret.StoreID, ret.UserID, ret.Reason, ret.RefundTotal, ret.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, line := range ret.Lines {
		batch.Queue(`INSERT INTO return_line_items (return_id, invoice_line_id, product_id, quantity, refund_amount)
VALUES ($1,$2,$3,$4,$5)`, id, line.InvoiceLineID, line.ProductID, line.Quantity, line.RefundAmount)
	}
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions (transaction_type, product_id, store_id, batch_id,
quantity, on_hand_delta, stored_delta, reference_id, created_by, created_at, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		string(t.Type), t.ProductID, t.StoreID, t.BatchID, t.Quantity, t.OnHandDelta, t.StoredDelta,
		t.ReferenceID, nullInt(t.CreatedBy), t.CreatedAt, t.Notes).Scan(&id)
	return id, err
}

func (r *txRepository) DeleteTransaction(ctx context.Context, id, storeID int64) (Transaction, error) {
	t, err := scanTransaction(r.tx.QueryRow(ctx, `DELETE FROM inventory_transactions WHERE id=$1 AND store_id=$2
RETURNING `+txColumns, id, storeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (r *txRepository) ClaimIdempotency(ctx context.Context, scope, key string) ([]byte, bool, error) {
	if r.idem == nil {
		return nil, false, fmt.Errorf("%w: idempotency keys are not enabled", ErrInvalidRequest)
	}
	return r.idem.Claim(ctx, r.tx, scope, key)
}

func (r *txRepository) CompleteIdempotency(ctx context.Context, scope, key string, result []byte) error {
	if r.idem == nil {
		return nil
	}
	return r.idem.Complete(ctx, r.tx, scope, key, result)
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	out := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.BatchNumber, &b.ProductID, &b.StoreID, &b.InvoiceID, &b.ReceivedQuantity,
		&b.RemainingQuantity, &b.ProductionDate, &b.ExpiryDate, &b.ReceivedDate, &b.Status)
	return b, err
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var createdBy *int64
	err := row.Scan(&t.ID, &t.Type, &t.ProductID, &t.StoreID, &t.BatchID, &t.Quantity, &t.OnHandDelta,
		&t.StoredDelta, &t.ReferenceID, &createdBy, &t.CreatedAt, &t.Notes)
	if createdBy != nil {
		t.CreatedBy = *createdBy
	}
	return t, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
