package ledger

import (
	"context"
	"time"

	"github.com/storeinv/backoffice/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInventory(ctx context.Context, productID, storeID int64) (InventoryRecord, error)
	ActiveBatches(ctx context.Context, productID, storeID, minRemaining int64) ([]Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	CountExpiringBatches(ctx context.Context, storeID int64, before time.Time) (int, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListLevels(ctx context.Context, storeID int64) ([]StockLevel, error)
	LoggedDeltas(ctx context.Context, productID, storeID int64) (onHand, stored int64, err error)
	ListReconciliations(ctx context.Context) ([]Reconciliation, error)
	ExpiredBatches(ctx context.Context, asOf time.Time, limit int) ([]Batch, error)
}

// TxRepository exposes the operations available inside a movement transaction.
type TxRepository interface {
	StoreExists(ctx context.Context, storeID int64) (bool, error)
	GetProduct(ctx context.Context, productID int64) (Product, error)
	LockInventory(ctx context.Context, productID, storeID int64) (InventoryRecord, error)
	UpsertInventory(ctx context.Context, rec InventoryRecord) error
	FEFOBatch(ctx context.Context, productID, storeID, quantity int64, forUpdate bool) (*Batch, error)
	LockBatch(ctx context.Context, batchID int64) (Batch, error)
	InsertBatch(ctx context.Context, b Batch) (int64, error)
	UpdateBatch(ctx context.Context, b Batch) error
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	LockInvoiceByNumber(ctx context.Context, number string) (Invoice, error)
	ReturnedQuantity(ctx context.Context, invoiceLineID int64) (int64, error)
	InsertReturn(ctx context.Context, ret ReturnRecord) (int64, error)
	InsertTransaction(ctx context.Context, t Transaction) (int64, error)
	DeleteTransaction(ctx context.Context, id, storeID int64) (Transaction, error)
	ClaimIdempotency(ctx context.Context, scope, key string) (prior []byte, claimed bool, err error)
	CompleteIdempotency(ctx context.Context, scope, key string, result []byte) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AlertNotifier is told about stores whose stock changed. Failures never
// affect the committed movement.
type AlertNotifier interface {
	NotifyStockChanged(ctx context.Context, storeID int64) error
}

// MetricsPort records movement outcomes.
type MetricsPort interface {
	ObserveMovement(movement, outcome string, elapsed time.Duration)
}
