package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/storeinv/backoffice/internal/shared"
)

const sweepBatchLimit = 500

// MarkBatchExpired moves an active batch to Expired. Under the write-off
// policy the remaining quantity also leaves the inventory record, warehouse
// stock first, and an Adjustment row is logged. Sales do not decrement
// batches, so the write-off is capped at what the record still holds.
func (s *Service) MarkBatchExpired(ctx context.Context, cmd BatchCommand) (Batch, error) {
	b, _, err := s.expireBatch(ctx, cmd)
	return b, err
}

func (s *Service) expireBatch(ctx context.Context, cmd BatchCommand) (Batch, int64, error) {
	if err := validateBatchCommand(cmd); err != nil {
		return Batch{}, 0, err
	}
	var (
		out        Batch
		writtenOff int64
	)
	err := s.withRetry("batch_expire", cmd.StoreID, func() error {
		writtenOff = 0
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := lockStoreBatch(ctx, tx, cmd)
			if err != nil {
				return err
			}
			now := s.now()
			if s.cfg.ExpiryPolicy == ExpiryWriteOff && b.RemainingQuantity > 0 {
				n, err := s.writeOff(ctx, tx, b, cmd, now)
				if err != nil {
					return err
				}
				writtenOff = n
				b.RemainingQuantity = 0
			}
			b.Status = BatchExpired
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			out = b
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("mark batch expired", slog.Int64("batch_id", cmd.BatchID), slog.Any("error", err))
		return Batch{}, 0, err
	}
	s.auditAdmin(ctx, shared.AuditLog{
		ActorID:  cmd.UserID,
		StoreID:  cmd.StoreID,
		Action:   "ledger:batch_expired",
		Entity:   "batch",
		EntityID: strconv.FormatInt(out.ID, 10),
		Meta:     map[string]any{"batch_number": out.BatchNumber, "written_off": writtenOff, "policy": string(s.cfg.ExpiryPolicy)},
	})
	if writtenOff > 0 {
		s.notify(ctx, cmd.StoreID)
	}
	return out, writtenOff, nil
}

// writeOff removes up to the batch's remaining quantity from the inventory
// record and reports how much actually left.
func (s *Service) writeOff(ctx context.Context, tx TxRepository, b Batch, cmd BatchCommand, now time.Time) (int64, error) {
	rec, err := tx.LockInventory(ctx, b.ProductID, b.StoreID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	amount := min(b.RemainingQuantity, rec.OnHand+rec.Stored)
	if amount <= 0 {
		return 0, nil
	}
	fromStored := min(amount, rec.Stored)
	fromShelf := amount - fromStored
	next, err := applyDelta(&rec, b.ProductID, b.StoreID, -fromShelf, -fromStored)
	if err != nil {
		return 0, err
	}
	next.UpdatedAt = now
	if err := tx.UpsertInventory(ctx, next); err != nil {
		return 0, err
	}
	notes := cmd.Notes
	if notes == "" {
		notes = "expired batch write-off"
	}
	batchID := b.ID
	_, err = tx.InsertTransaction(ctx, Transaction{
		Type:        MovementAdjustment,
		ProductID:   b.ProductID,
		StoreID:     b.StoreID,
		BatchID:     &batchID,
		Quantity:    -amount,
		OnHandDelta: -fromShelf,
		StoredDelta: -fromStored,
		ReferenceID: b.BatchNumber,
		CreatedBy:   cmd.UserID,
		CreatedAt:   now,
		Notes:       notes,
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// MarkBatchDepleted moves an active batch with nothing left to Depleted.
func (s *Service) MarkBatchDepleted(ctx context.Context, cmd BatchCommand) (Batch, error) {
	if err := validateBatchCommand(cmd); err != nil {
		return Batch{}, err
	}
	var out Batch
	err := s.withRetry("batch_deplete", cmd.StoreID, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := lockStoreBatch(ctx, tx, cmd)
			if err != nil {
				return err
			}
			if b.RemainingQuantity != 0 {
				return fmt.Errorf("%w: %s has %d left", ErrBatchNotEmpty, b.BatchNumber, b.RemainingQuantity)
			}
			b.Status = BatchDepleted
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			out = b
			return nil
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.auditAdmin(ctx, shared.AuditLog{
		ActorID:  cmd.UserID,
		StoreID:  cmd.StoreID,
		Action:   "ledger:batch_depleted",
		Entity:   "batch",
		EntityID: strconv.FormatInt(out.ID, 10),
		Meta:     map[string]any{"batch_number": out.BatchNumber},
	})
	return out, nil
}

// SweepExpiredBatches expires every active batch whose expiry date is before
// the current day. Failures are counted and logged; the sweep continues.
func (s *Service) SweepExpiredBatches(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	asOf := s.now().Truncate(24 * time.Hour)
	batches, err := s.repo.ExpiredBatches(ctx, asOf, sweepBatchLimit)
	if err != nil {
		return report, err
	}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, writtenOff, err := s.expireBatch(ctx, BatchCommand{BatchID: b.ID, StoreID: b.StoreID, Notes: "expiry sweep"})
		if err != nil {
			report.Failed++
			s.logger.Warn("expire batch",
				slog.Int64("batch_id", b.ID),
				slog.Int64("store_id", b.StoreID),
				slog.Any("error", err))
			continue
		}
		report.Expired++
		report.WrittenOff += writtenOff
	}
	s.logger.Info("expiry sweep",
		slog.Int("expired", report.Expired),
		slog.Int64("written_off", report.WrittenOff),
		slog.Int("failed", report.Failed))
	return report, nil
}

func lockStoreBatch(ctx context.Context, tx TxRepository, cmd BatchCommand) (Batch, error) {
	b, err := tx.LockBatch(ctx, cmd.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if b.StoreID != cmd.StoreID {
		return Batch{}, fmt.Errorf("batch %d in store %d: %w", cmd.BatchID, cmd.StoreID, ErrBatchNotFound)
	}
	if b.Status != BatchActive {
		return Batch{}, fmt.Errorf("%w: %s is %s", ErrBatchNotActive, b.BatchNumber, b.Status)
	}
	return b, nil
}

func validateBatchCommand(cmd BatchCommand) error {
	if cmd.BatchID <= 0 || cmd.StoreID <= 0 {
		return fmt.Errorf("%w: batch and store required", ErrInvalidRequest)
	}
	return nil
}
