package alerts

import (
	"errors"
	"time"
)

// Type classifies alerts.
type Type string

const (
	TypeLowStock Type = "LowStock"
	TypeExpiry   Type = "Expiry"
)

// Alert is a derived notification. It can always be regenerated from the
// ledger and batch state.
type Alert struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	StoreID   int64     `json:"store_id"`
	ProductID int64     `json:"product_id"`
	BatchID   *int64    `json:"batch_id,omitempty"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// LowStockCandidate is a product at or below its reorder level.
type LowStockCandidate struct {
	ProductID    int64
	ProductName  string
	OnHand       int64
	ReorderLevel int64
}

// ExpiryCandidate is an active batch expiring inside the horizon.
type ExpiryCandidate struct {
	BatchID     int64
	BatchNumber string
	ProductID   int64
	ProductName string
	Remaining   int64
	ExpiryDate  time.Time
}

// RefreshReport counts the alerts created by one refresh.
type RefreshReport struct {
	StoreID  int64 `json:"store_id"`
	LowStock int   `json:"low_stock"`
	Expiry   int   `json:"expiry"`
}

// ErrAlertNotFound is returned when an alert does not exist in the store.
var ErrAlertNotFound = errors.New("alerts: alert not found")
