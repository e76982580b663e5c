package ledger

import (
	"errors"
	"fmt"

	"github.com/storeinv/backoffice/internal/platform/db"
	"github.com/storeinv/backoffice/internal/shared"
)

// ErrorKind is the caller-visible failure category.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "ValidationError"
	KindInsufficientStock ErrorKind = "InsufficientStock"
	KindNotFound          ErrorKind = "RecordNotFound"
	KindConflict          ErrorKind = "ConcurrencyConflict"
	KindStorage           ErrorKind = "StorageError"
)

var (
	ErrInvalidRequest      = errors.New("ledger: invalid movement request")
	ErrInvalidQuantity     = errors.New("ledger: quantity must be greater than zero")
	ErrUnsupportedMovement = errors.New("ledger: unsupported movement type")
	ErrProductUnavailable  = errors.New("ledger: product is discontinued")
	ErrBatchHintMismatch   = errors.New("ledger: batch cannot serve this line")
	ErrBatchNotActive      = errors.New("ledger: batch is not active")
	ErrBatchNotEmpty       = errors.New("ledger: batch still has remaining quantity")
	ErrInvoiceMismatch     = errors.New("ledger: invoice cannot be returned against")
	ErrReturnExceedsSold   = errors.New("ledger: return quantity exceeds quantity sold")
	ErrIdempotencyReuse    = errors.New("ledger: idempotency key reused for a different request")

	ErrInsufficientStock = errors.New("ledger: insufficient stock")

	ErrRecordNotFound      = errors.New("ledger: inventory record not found")
	ErrProductNotFound     = errors.New("ledger: product not found")
	ErrStoreNotFound       = errors.New("ledger: store not found")
	ErrBatchNotFound       = errors.New("ledger: batch not found")
	ErrInvoiceNotFound     = errors.New("ledger: invoice not found")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")

	ErrConcurrencyConflict = errors.New("ledger: concurrent update, retry")
)

var (
	validationErrs = []error{ErrInvalidRequest, ErrInvalidQuantity, ErrUnsupportedMovement, ErrProductUnavailable,
		ErrBatchHintMismatch, ErrBatchNotActive, ErrBatchNotEmpty, ErrInvoiceMismatch, ErrReturnExceedsSold,
		ErrIdempotencyReuse}
	notFoundErrs = []error{ErrRecordNotFound, ErrProductNotFound, ErrStoreNotFound, ErrBatchNotFound,
		ErrInvoiceNotFound, ErrTransactionNotFound}
	conflictErrs = []error{ErrConcurrencyConflict, db.ErrSerialization, shared.ErrIdempotencyConflict}
)

// StockError describes which bucket could not cover a movement.
type StockError struct {
	ProductID int64
	StoreID   int64
	Bucket    string
	Requested int64
	Available int64
}

func (e *StockError) Error() string {
	return fmt.Sprintf("ledger: insufficient %s stock for product %d in store %d: requested %d, available %d",
		e.Bucket, e.ProductID, e.StoreID, e.Requested, e.Available)
}

// Unwrap lets errors.Is match ErrInsufficientStock.
func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// Kind classifies err into the ledger error taxonomy. Anything unrecognised is
// a storage error.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case isAny(err, validationErrs):
		return KindValidation
	case isAny(err, notFoundErrs):
		return KindNotFound
	case isAny(err, conflictErrs):
		return KindConflict
	default:
		return KindStorage
	}
}

// Message returns text safe to show to an operator.
func Message(err error) string {
	if Kind(err) == KindStorage {
		return "the movement could not be saved; no stock was changed"
	}
	return err.Error()
}

// Retryable reports whether err may be resubmitted automatically.
func Retryable(err error) bool {
	return Kind(err) == KindConflict
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func lineErr(idx int, err error) error {
	return fmt.Errorf("line %d: %w", idx+1, err)
}
