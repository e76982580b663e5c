package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MovementType enumerates the stock movements the ledger accepts.
type MovementType string

const (
	MovementSale       MovementType = "Sale"
	MovementReceipt    MovementType = "Receipt"
	MovementTransfer   MovementType = "Transfer"
	MovementReturn     MovementType = "Return"
	MovementAdjustment MovementType = "Adjustment"
)

// ParseMovementType accepts any letter case ("sale", "SALE", "Sale").
func ParseMovementType(raw string) (MovementType, bool) {
	t := MovementType(cases.Title(language.Und).String(strings.ToLower(strings.TrimSpace(raw))))
	switch t {
	case MovementSale, MovementReceipt, MovementTransfer, MovementReturn, MovementAdjustment:
		return t, true
	}
	return "", false
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchActive   BatchStatus = "Active"
	BatchExpired  BatchStatus = "Expired"
	BatchDepleted BatchStatus = "Depleted"
)

// ReceiptTarget selects which bucket a purchase receipt fills.
type ReceiptTarget string

const (
	ReceiptToShelf     ReceiptTarget = "shelf"
	ReceiptToWarehouse ReceiptTarget = "warehouse"
)

// ExpiryPolicy decides whether expiring a batch also writes its remaining
// quantity off the inventory record.
type ExpiryPolicy string

const (
	ExpiryStatusOnly ExpiryPolicy = "none"
	ExpiryWriteOff   ExpiryPolicy = "write_off"
)

// Product is the subset of catalog data the ledger needs.
type Product struct {
	ID           int64
	Name         string
	UnitCost     decimal.Decimal
	UnitPrice    decimal.Decimal
	ReorderLevel int64
	Deleted      bool
}

// InventoryRecord holds the per product and store quantities.
type InventoryRecord struct {
	ProductID int64     `json:"product_id"`
	StoreID   int64     `json:"store_id"`
	OnHand    int64     `json:"on_hand"`
	Stored    int64     `json:"stored"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch is a traceable lot of received stock.
type Batch struct {
	ID                int64       `json:"id"`
	BatchNumber       string      `json:"batch_number"`
	ProductID         int64       `json:"product_id"`
	StoreID           int64       `json:"store_id"`
	InvoiceID         int64       `json:"invoice_id,omitempty"`
	ReceivedQuantity  int64       `json:"received_quantity"`
	RemainingQuantity int64       `json:"remaining_quantity"`
	ProductionDate    *time.Time  `json:"production_date,omitempty"`
	ExpiryDate        *time.Time  `json:"expiry_date,omitempty"`
	ReceivedDate      time.Time   `json:"received_date"`
	Status            BatchStatus `json:"status"`
}

// Transaction is one append-only inventory log row. Quantity is the signed
// movement amount as displayed; OnHandDelta and StoredDelta are the exact
// changes applied to each bucket.
type Transaction struct {
	ID          int64        `json:"id"`
	Type        MovementType `json:"type"`
	ProductID   int64        `json:"product_id"`
	StoreID     int64        `json:"store_id"`
	BatchID     *int64       `json:"batch_id,omitempty"`
	Quantity    int64        `json:"quantity"`
	OnHandDelta int64        `json:"on_hand_delta"`
	StoredDelta int64        `json:"stored_delta"`
	ReferenceID string       `json:"reference_id"`
	CreatedBy   int64        `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	Notes       string       `json:"notes,omitempty"`
}

// InvoiceType distinguishes sale and purchase invoices.
type InvoiceType string

const (
	InvoiceSale     InvoiceType = "Sale"
	InvoicePurchase InvoiceType = "Purchase"
)

// Invoice is a sale or purchase header.
type Invoice struct {
	ID            int64
	Number        string
	Type          InvoiceType
	StoreID       int64
	UserID        int64
	PartyID       int64
	PaymentMethod string
	Total         decimal.Decimal
	Notes         string
	CreatedAt     time.Time
	Lines         []InvoiceLine
}

// InvoiceLine is one product line of an invoice.
type InvoiceLine struct {
	ID        int64
	InvoiceID int64
	ProductID int64
	Quantity  int64
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal
	Subtotal  decimal.Decimal
}

// ReturnRecord is a customer return against a sale invoice.
type ReturnRecord struct {
	ID          int64
	Number      string
	InvoiceID   int64
	StoreID     int64
	UserID      int64
	Reason      string
	RefundTotal decimal.Decimal
	CreatedAt   time.Time
	Lines       []ReturnLine
}

// ReturnLine is one returned invoice line.
type ReturnLine struct {
	ID            int64
	ReturnID      int64
	InvoiceLineID int64
	ProductID     int64
	Quantity      int64
	RefundAmount  decimal.Decimal
}

// MovementLine is one product line of a movement request.
type MovementLine struct {
	ProductID      int64
	Quantity       int64
	UnitPrice      *decimal.Decimal
	BatchHint      *int64
	ProductionDate *time.Time
	ExpiryDate     *time.Time
}

// MovementRequest asks the executor to apply one movement atomically.
// ReferenceID names the original sale invoice for returns and is free text
// for other types.
type MovementRequest struct {
	Type           MovementType
	StoreID        int64
	UserID         int64
	Lines          []MovementLine
	ReferenceID    string
	IdempotencyKey string
	PartyID        int64
	PaymentMethod  string
	Notes          string
}

// Balance reports the quantities of one product after a movement.
type Balance struct {
	ProductID int64 `json:"product_id"`
	OnHand    int64 `json:"on_hand"`
	Stored    int64 `json:"stored"`
}

// MovementResult is returned for committed (or replayed) movements.
type MovementResult struct {
	Type           MovementType    `json:"type"`
	StoreID        int64           `json:"store_id"`
	Reference      string          `json:"reference"`
	InvoiceID      int64           `json:"invoice_id,omitempty"`
	ReturnID       int64           `json:"return_id,omitempty"`
	Total          decimal.Decimal `json:"total"`
	TransactionIDs []int64         `json:"transaction_ids"`
	BatchIDs       []int64         `json:"batch_ids,omitempty"`
	NewBalances    []Balance       `json:"new_balances"`
	Replayed       bool            `json:"replayed"`
}

// BatchCommand targets a single batch in a store.
type BatchCommand struct {
	BatchID int64
	StoreID int64
	UserID  int64
	Notes   string
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	StoreID   int64
	ProductID int64
	Status    BatchStatus
	Limit     int
}

// BatchListing is a FEFO ordered page of batches.
type BatchListing struct {
	Batches      []Batch `json:"batches"`
	ExpiringSoon int     `json:"expiring_soon"`
}

// TransactionFilter narrows the transaction log.
type TransactionFilter struct {
	StoreID   int64
	ProductID int64
	Type      MovementType
	From      time.Time
	To        time.Time
	Limit     int
}

// LevelStatus classifies an on-hand quantity against the reorder level.
type LevelStatus string

const (
	LevelOutOfStock LevelStatus = "OutOfStock"
	LevelCritical   LevelStatus = "Critical"
	LevelLow        LevelStatus = "Low"
	LevelOK         LevelStatus = "OK"
)

// ClassifyLevel returns OutOfStock at zero, Critical at or below half the
// reorder level, Low at or below it and OK otherwise.
func ClassifyLevel(onHand, reorderLevel int64) LevelStatus {
	switch {
	case onHand <= 0:
		return LevelOutOfStock
	case onHand*2 <= reorderLevel:
		return LevelCritical
	case onHand <= reorderLevel:
		return LevelLow
	default:
		return LevelOK
	}
}

// StockLevel is one row of the store stock report.
type StockLevel struct {
	ProductID    int64       `json:"product_id"`
	ProductName  string      `json:"product_name"`
	OnHand       int64       `json:"on_hand"`
	Stored       int64       `json:"stored"`
	ReorderLevel int64       `json:"reorder_level"`
	Status       LevelStatus `json:"status"`
}

// Reconciliation compares logged deltas with the live record.
type Reconciliation struct {
	ProductID    int64 `json:"product_id"`
	StoreID      int64 `json:"store_id"`
	OnHand       int64 `json:"on_hand"`
	Stored       int64 `json:"stored"`
	LoggedOnHand int64 `json:"logged_on_hand"`
	LoggedStored int64 `json:"logged_stored"`
	Balanced     bool  `json:"balanced"`
}

func (r *Reconciliation) evaluate() {
	r.Balanced = r.OnHand == r.LoggedOnHand && r.Stored == r.LoggedStored
}

// TransactionCommand targets a single log row in a store.
type TransactionCommand struct {
	TransactionID int64
	StoreID       int64
	UserID        int64
	Reason        string
}

// SweepReport summarises an expiry sweep.
type SweepReport struct {
	Expired    int   `json:"expired"`
	WrittenOff int64 `json:"written_off"`
	Failed     int   `json:"failed"`
}
