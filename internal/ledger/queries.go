package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/storeinv/backoffice/internal/shared"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// GetInventory returns the on-hand and stored quantities of a product in a store.
func (s *Service) GetInventory(ctx context.Context, productID, storeID int64) (InventoryRecord, error) {
	if productID <= 0 || storeID <= 0 {
		return InventoryRecord{}, fmt.Errorf("%w: product and store required", ErrInvalidRequest)
	}
	return s.repo.GetInventory(ctx, productID, storeID)
}

// SelectBatch returns the FEFO batch for quantity, or nil when no single
// active batch covers it.
func (s *Service) SelectBatch(ctx context.Context, productID, storeID, quantity int64) (*Batch, error) {
	if productID <= 0 || storeID <= 0 {
		return nil, fmt.Errorf("%w: product and store required", ErrInvalidRequest)
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	batches, err := s.repo.ActiveBatches(ctx, productID, storeID, quantity)
	if err != nil {
		return nil, err
	}
	return SelectFEFO(batches, productID, storeID, quantity), nil
}

// ListBatches lists batches of a store in FEFO order together with the number
// of active batches expiring within the configured horizon.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) (BatchListing, error) {
	if filter.StoreID <= 0 {
		return BatchListing{}, fmt.Errorf("%w: store required", ErrInvalidRequest)
	}
	switch filter.Status {
	case "", BatchActive, BatchExpired, BatchDepleted:
	default:
		return BatchListing{}, fmt.Errorf("%w: unknown batch status %q", ErrInvalidRequest, filter.Status)
	}
	filter.Limit = clampLimit(filter.Limit)
	batches, err := s.repo.ListBatches(ctx, filter)
	if err != nil {
		return BatchListing{}, err
	}
	SortFEFO(batches)
	soon, err := s.repo.CountExpiringBatches(ctx, filter.StoreID, s.now().Add(s.cfg.ExpiryHorizon))
	if err != nil {
		return BatchListing{}, err
	}
	if batches == nil {
		batches = []Batch{}
	}
	return BatchListing{Batches: batches, ExpiringSoon: soon}, nil
}

// ListTransactions browses the log newest first.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.StoreID <= 0 {
		return nil, fmt.Errorf("%w: store required", ErrInvalidRequest)
	}
	if filter.Type != "" {
		if _, ok := ParseMovementType(string(filter.Type)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedMovement, filter.Type)
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: date range is inverted", ErrInvalidRequest)
	}
	filter.Limit = clampLimit(filter.Limit)
	txs, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}

// DeleteTransaction removes a log row. It is an operator override, not a
// movement: quantities are left untouched and reconciliation will report the
// gap.
func (s *Service) DeleteTransaction(ctx context.Context, cmd TransactionCommand) (Transaction, error) {
	if cmd.TransactionID <= 0 || cmd.StoreID <= 0 {
		return Transaction{}, fmt.Errorf("%w: transaction and store required", ErrInvalidRequest)
	}
	var deleted Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		deleted, err = tx.DeleteTransaction(ctx, cmd.TransactionID, cmd.StoreID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.logger.Warn("transaction deleted",
		slog.Int64("transaction_id", deleted.ID),
		slog.Int64("store_id", cmd.StoreID),
		slog.Int64("user_id", cmd.UserID))
	s.auditAdmin(ctx, shared.AuditLog{
		ActorID:  cmd.UserID,
		StoreID:  cmd.StoreID,
		Action:   "ledger:transaction_deleted",
		Entity:   "inventory_transaction",
		EntityID: strconv.FormatInt(deleted.ID, 10),
		Meta: map[string]any{
			"type":          string(deleted.Type),
			"product_id":    deleted.ProductID,
			"quantity":      deleted.Quantity,
			"on_hand_delta": deleted.OnHandDelta,
			"stored_delta":  deleted.StoredDelta,
			"reference_id":  deleted.ReferenceID,
			"reason":        cmd.Reason,
		},
	})
	return deleted, nil
}

// ListLevels reports every product stocked in a store with its status.
func (s *Service) ListLevels(ctx context.Context, storeID int64) ([]StockLevel, error) {
	if storeID <= 0 {
		return nil, fmt.Errorf("%w: store required", ErrInvalidRequest)
	}
	levels, err := s.repo.ListLevels(ctx, storeID)
	if err != nil {
		return nil, err
	}
	for i := range levels {
		levels[i].Status = ClassifyLevel(levels[i].OnHand, levels[i].ReorderLevel)
	}
	if levels == nil {
		levels = []StockLevel{}
	}
	return levels, nil
}

// Reconcile compares the summed log deltas with the live record. A missing
// record counts as zero in both buckets.
func (s *Service) Reconcile(ctx context.Context, productID, storeID int64) (Reconciliation, error) {
	if productID <= 0 || storeID <= 0 {
		return Reconciliation{}, fmt.Errorf("%w: product and store required", ErrInvalidRequest)
	}
	out := Reconciliation{ProductID: productID, StoreID: storeID}
	rec, err := s.repo.GetInventory(ctx, productID, storeID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return Reconciliation{}, err
	default:
		out.OnHand, out.Stored = rec.OnHand, rec.Stored
	}
	out.LoggedOnHand, out.LoggedStored, err = s.repo.LoggedDeltas(ctx, productID, storeID)
	if err != nil {
		return Reconciliation{}, err
	}
	out.evaluate()
	return out, nil
}

// Mismatches returns every product and store whose log does not add up.
func (s *Service) Mismatches(ctx context.Context) ([]Reconciliation, error) {
	all, err := s.repo.ListReconciliations(ctx)
	if err != nil {
		return nil, err
	}
	out := []Reconciliation{}
	for _, r := range all {
		r.evaluate()
		if !r.Balanced {
			out = append(out, r)
		}
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
