package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo     *memRepo
	svc      *Service
	audit    *auditRecorder
	notifier *notifierStub
}

func newFixture(t *testing.T, cfg ServiceConfig) *fixture {
	t.Helper()
	repo := newMemRepo()
	repo.stores[1] = true
	repo.stores[2] = true
	repo.products[10] = Product{ID: 10, Name: "Milk", UnitCost: decimal.RequireFromString("1.20"), UnitPrice: decimal.RequireFromString("2.50"), ReorderLevel: 10}
	repo.products[20] = Product{ID: 20, Name: "Bread", UnitCost: decimal.RequireFromString("0.80"), UnitPrice: decimal.RequireFromString("1.75"), ReorderLevel: 5}
	repo.products[30] = Product{ID: 30, Name: "Old stock", UnitCost: decimal.RequireFromString("1"), UnitPrice: decimal.RequireFromString("2"), Deleted: true}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return fixedNow }
	}
	f := &fixture{repo: repo, audit: &auditRecorder{}, notifier: &notifierStub{}}
	f.svc = NewService(repo, Dependencies{
		Audit:    f.audit,
		Notifier: f.notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	return f
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func (f *fixture) receive(t *testing.T, store, product, qty int64, expiry *time.Time) MovementResult {
	t.Helper()
	res, err := f.svc.Execute(context.Background(), MovementRequest{
		Type:    MovementReceipt,
		StoreID: store,
		UserID:  7,
		Lines:   []MovementLine{{ProductID: product, Quantity: qty, ExpiryDate: expiry}},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) sell(store, product, qty int64) (MovementResult, error) {
	return f.svc.Execute(context.Background(), MovementRequest{
		Type:    MovementSale,
		StoreID: store,
		UserID:  7,
		Lines:   []MovementLine{{ProductID: product, Quantity: qty}},
	})
}

func (f *fixture) inventory(t *testing.T, product, store int64) InventoryRecord {
	t.Helper()
	rec, err := f.svc.GetInventory(context.Background(), product, store)
	require.NoError(t, err)
	return rec
}

func (f *fixture) txsOfType(typ MovementType) []Transaction {
	var out []Transaction
	for _, tr := range f.repo.txs {
		if tr.Type == typ {
			out = append(out, tr)
		}
	}
	return out
}

func requireBalanced(t *testing.T, svc *Service) {
	t.Helper()
	mismatches, err := svc.Mismatches(context.Background())
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestSaleRejectsQuantityAboveOnHand(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 5, nil)

	_, err := f.sell(1, 10, 6)
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, KindInsufficientStock, Kind(err))

	var stockErr *StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, int64(5), stockErr.Available)

	require.Equal(t, int64(5), f.inventory(t, 10, 1).OnHand)
	require.Empty(t, f.txsOfType(MovementSale))
	require.Len(t, f.repo.invoices, 1)
}

func TestSaleDecrementsShelfAndRecordsInvoice(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 8, nil)

	res, err := f.sell(1, 10, 3)
	require.NoError(t, err)
	require.Contains(t, res.Reference, "INV-20240105100000-")
	require.True(t, res.Total.Equal(decimal.RequireFromString("7.50")))
	require.Equal(t, []Balance{{ProductID: 10, OnHand: 5}}, res.NewBalances)
	require.Len(t, res.TransactionIDs, 1)

	tr := f.repo.txs[res.TransactionIDs[0]]
	require.Equal(t, int64(-3), tr.Quantity)
	require.Equal(t, int64(-3), tr.OnHandDelta)
	require.Equal(t, res.Reference, tr.ReferenceID)

	inv := f.repo.invoices[res.InvoiceID]
	require.Equal(t, InvoiceSale, inv.Type)
	require.True(t, inv.Lines[0].UnitCost.Equal(decimal.RequireFromString("1.20")))
	require.Equal(t, 2, f.notifier.count())
	require.Contains(t, f.audit.actions(), "ledger:sale")
}

func TestSaleWithoutRecordIsNotFoundAndCreatesNothing(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	_, err := f.sell(1, 10, 1)
	require.ErrorIs(t, err, ErrRecordNotFound)
	require.Equal(t, KindNotFound, Kind(err))
	_, err = f.svc.GetInventory(context.Background(), 10, 1)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestTransferMovesWarehouseStockToShelf(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	rec := f.receive(t, 1, 10, 10, date(2024, 3, 1))
	require.Equal(t, Balance{ProductID: 10, Stored: 10}, rec.NewBalances[0])

	res, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementTransfer, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 10}},
	})
	require.NoError(t, err)

	got := f.inventory(t, 10, 1)
	require.Equal(t, int64(0), got.Stored)
	require.Equal(t, int64(10), got.OnHand)

	transfers := f.txsOfType(MovementTransfer)
	require.Len(t, transfers, 1)
	require.Equal(t, int64(10), transfers[0].Quantity)
	require.Equal(t, int64(10), transfers[0].OnHandDelta)
	require.Equal(t, int64(-10), transfers[0].StoredDelta)
	require.NotNil(t, transfers[0].BatchID)
	require.Equal(t, rec.BatchIDs[0], *transfers[0].BatchID)
	require.Contains(t, res.Reference, "TRF-")

	batch := f.repo.batches[rec.BatchIDs[0]]
	require.Equal(t, int64(0), batch.RemainingQuantity)
	require.Equal(t, BatchActive, batch.Status)
	requireBalanced(t, f.svc)
}

func TestTransferRejectsQuantityAboveStored(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	f.receive(t, 1, 10, 4, nil)
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementTransfer, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 5}},
	})
	require.Equal(t, KindInsufficientStock, Kind(err))
	require.Equal(t, int64(4), f.inventory(t, 10, 1).Stored)
}

func TestTransferLocksInventoryAfterBatches(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	f.receive(t, 1, 10, 6, date(2024, 2, 1))
	f.receive(t, 1, 20, 6, date(2024, 2, 1))
	f.repo.locks = nil

	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementTransfer, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 20, Quantity: 2}, {ProductID: 10, Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"batch:20", "batch:10", "inventory:10", "inventory:20"}, f.repo.locks)
}

func TestTransferLinesDrawDownSameBatch(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	rec := f.receive(t, 1, 10, 10, date(2024, 2, 1))

	res, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementTransfer, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 4}, {ProductID: 10, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Len(t, res.TransactionIDs, 2)
	for _, id := range res.TransactionIDs {
		require.Equal(t, rec.BatchIDs[0], *f.repo.txs[id].BatchID)
	}
	require.Equal(t, int64(2), f.repo.batches[rec.BatchIDs[0]].RemainingQuantity)
	require.Equal(t, Balance{ProductID: 10, OnHand: 8, Stored: 2}, res.NewBalances[0])
	requireBalanced(t, f.svc)
}

func TestMultiLineSaleRollsBackOnLaterFailure(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 5, nil)
	f.receive(t, 1, 20, 2, nil)
	before := len(f.repo.txs)

	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementSale, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 3}, {ProductID: 20, Quantity: 5}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Contains(t, err.Error(), "line 2")
	require.Equal(t, int64(5), f.inventory(t, 10, 1).OnHand)
	require.Equal(t, int64(2), f.inventory(t, 20, 1).OnHand)
	require.Len(t, f.repo.txs, before)
	require.Len(t, f.repo.invoices, 2)
}

func TestMultiLineSaleRejectsInvalidLineBeforeTouchingStock(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 5, nil)
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementSale, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 1}, {ProductID: 20, Quantity: 0}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.Equal(t, KindValidation, Kind(err))
	require.Equal(t, int64(5), f.inventory(t, 10, 1).OnHand)
}

func TestReceiptCreatesBatchAndRecord(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	price := decimal.RequireFromString("1.10")
	res, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementReceipt, StoreID: 1, UserID: 7, PartyID: 3,
		Lines: []MovementLine{
			{ProductID: 10, Quantity: 12, UnitPrice: &price, ProductionDate: date(2024, 1, 1), ExpiryDate: date(2024, 2, 1)},
			{ProductID: 10, Quantity: 3},
		},
	})
	require.NoError(t, err)
	require.Contains(t, res.Reference, "PO-")
	require.Len(t, res.BatchIDs, 2)
	require.True(t, res.Total.Equal(decimal.RequireFromString("16.80")))

	b := f.repo.batches[res.BatchIDs[0]]
	require.Equal(t, int64(12), b.ReceivedQuantity)
	require.Equal(t, int64(12), b.RemainingQuantity)
	require.Equal(t, BatchActive, b.Status)
	require.Equal(t, res.InvoiceID, b.InvoiceID)
	require.NotEqual(t, b.BatchNumber, f.repo.batches[res.BatchIDs[1]].BatchNumber)

	require.Equal(t, int64(15), f.inventory(t, 10, 1).OnHand)
	require.Len(t, f.txsOfType(MovementReceipt), 2)
	requireBalanced(t, f.svc)
}

func TestDiscontinuedProductCannotBeSoldOrReceived(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementReceipt, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 30, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrProductUnavailable)

	_, err = f.sell(1, 99, 1)
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestUnknownStoreIsNotFound(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementReceipt, StoreID: 99, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrStoreNotFound)
	require.Equal(t, KindNotFound, Kind(err))
}

func TestAdjustmentIsNotAMovementRequest(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementAdjustment, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnsupportedMovement)
	require.Equal(t, KindValidation, Kind(err))
}

func TestSaleReferencesFEFOBatchWithoutConsumingIt(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	late := f.receive(t, 1, 10, 5, date(2024, 2, 1))
	early := f.receive(t, 1, 10, 5, date(2024, 1, 10))

	res, err := f.sell(1, 10, 3)
	require.NoError(t, err)
	tr := f.repo.txs[res.TransactionIDs[0]]
	require.NotNil(t, tr.BatchID)
	require.Equal(t, early.BatchIDs[0], *tr.BatchID)
	require.Equal(t, int64(5), f.repo.batches[early.BatchIDs[0]].RemainingQuantity)
	require.Equal(t, int64(5), f.repo.batches[late.BatchIDs[0]].RemainingQuantity)
}

func TestSaleFallsBackToAggregateStockWhenNoBatchCovers(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 4, date(2024, 2, 1))
	f.receive(t, 1, 10, 4, date(2024, 1, 20))

	res, err := f.sell(1, 10, 6)
	require.NoError(t, err)
	require.Nil(t, f.repo.txs[res.TransactionIDs[0]].BatchID)
	require.Equal(t, int64(2), f.inventory(t, 10, 1).OnHand)
}

func TestBatchHintMustServeTheLine(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	milk := f.receive(t, 1, 10, 5, date(2024, 2, 1))
	bread := f.receive(t, 1, 20, 5, nil)

	sale := func(hint int64, qty int64) (MovementResult, error) {
		return f.svc.Execute(context.Background(), MovementRequest{
			Type: MovementSale, StoreID: 1, UserID: 7,
			Lines: []MovementLine{{ProductID: 10, Quantity: qty, BatchHint: &hint}},
		})
	}

	_, err := sale(bread.BatchIDs[0], 1)
	require.ErrorIs(t, err, ErrBatchHintMismatch)
	_, err = sale(999, 1)
	require.ErrorIs(t, err, ErrBatchHintMismatch)
	_, err = sale(milk.BatchIDs[0], 6)
	require.ErrorIs(t, err, ErrBatchHintMismatch)

	res, err := sale(milk.BatchIDs[0], 2)
	require.NoError(t, err)
	require.Equal(t, milk.BatchIDs[0], *f.repo.txs[res.TransactionIDs[0]].BatchID)
}

func TestReturnRefundsOriginalPrice(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 10, nil)
	sale, err := f.sell(1, 10, 4)
	require.NoError(t, err)

	p := f.repo.products[10]
	p.UnitPrice = decimal.RequireFromString("9.99")
	f.repo.products[10] = p

	ret := func(store, qty int64, ref string) (MovementResult, error) {
		return f.svc.Execute(context.Background(), MovementRequest{
			Type: MovementReturn, StoreID: store, UserID: 7, ReferenceID: ref, Notes: "damaged",
			Lines: []MovementLine{{ProductID: 10, Quantity: qty}},
		})
	}

	res, err := ret(1, 3, sale.Reference)
	require.NoError(t, err)
	require.True(t, res.Total.Equal(decimal.RequireFromString("7.50")), res.Total.String())
	require.Contains(t, res.Reference, "RET-")
	require.NotZero(t, res.ReturnID)
	require.Equal(t, int64(9), f.inventory(t, 10, 1).OnHand)

	_, err = ret(1, 2, sale.Reference)
	require.ErrorIs(t, err, ErrReturnExceedsSold)

	_, err = ret(2, 1, sale.Reference)
	require.ErrorIs(t, err, ErrInvoiceMismatch)

	_, err = ret(1, 1, "INV-missing")
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	_, err = ret(1, 1, sale.Reference)
	require.NoError(t, err)
	require.Equal(t, int64(10), f.inventory(t, 10, 1).OnHand)

	returns := f.txsOfType(MovementReturn)
	require.Len(t, returns, 2)
	for _, tr := range returns {
		require.Positive(t, tr.Quantity)
	}
	requireBalanced(t, f.svc)
}

func TestReturnAgainstPurchaseIsRejected(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	po := f.receive(t, 1, 10, 10, nil)
	_, err := f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementReturn, StoreID: 1, UserID: 7, ReferenceID: po.Reference,
		Lines: []MovementLine{{ProductID: 10, Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrInvoiceMismatch)
}

func TestIdempotencyKeyReplaysResult(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 10, nil)
	req := MovementRequest{
		Type: MovementSale, StoreID: 1, UserID: 7, IdempotencyKey: "pos-1-0001",
		Lines: []MovementLine{{ProductID: 10, Quantity: 2}},
	}
	first, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)

	require.False(t, first.Replayed)
	require.True(t, second.Replayed)
	require.Equal(t, first.TransactionIDs, second.TransactionIDs)
	require.Equal(t, first.Reference, second.Reference)
	require.Equal(t, int64(8), f.inventory(t, 10, 1).OnHand)
	require.Equal(t, 2, f.notifier.count())
}

func TestIdempotencyKeyIsScopedToStoreAndUser(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 5, nil)
	f.receive(t, 2, 10, 5, nil)
	sale := func(store, user int64) (MovementResult, error) {
		return f.svc.Execute(context.Background(), MovementRequest{
			Type: MovementSale, StoreID: store, UserID: user, IdempotencyKey: "k1",
			Lines: []MovementLine{{ProductID: 10, Quantity: 1}},
		})
	}

	first, err := sale(1, 7)
	require.NoError(t, err)
	other, err := sale(2, 8)
	require.NoError(t, err)
	require.False(t, other.Replayed)
	require.Equal(t, int64(2), other.StoreID)
	require.NotEqual(t, first.Reference, other.Reference)
	require.Equal(t, int64(4), f.inventory(t, 10, 2).OnHand)

	colleague, err := sale(1, 8)
	require.NoError(t, err)
	require.False(t, colleague.Replayed)
	require.Equal(t, int64(3), f.inventory(t, 10, 1).OnHand)
}

func TestIdempotencyKeyReuseWithDifferentRequestIsRejected(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 10, nil)
	req := MovementRequest{
		Type: MovementSale, StoreID: 1, UserID: 7, IdempotencyKey: "pos-1-0002",
		Lines: []MovementLine{{ProductID: 10, Quantity: 2}},
	}
	_, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)

	req.Lines = []MovementLine{{ProductID: 10, Quantity: 5}}
	_, err = f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrIdempotencyReuse)
	require.Equal(t, KindValidation, Kind(err))
	require.Equal(t, int64(8), f.inventory(t, 10, 1).OnHand)
}

func TestFailedMovementReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 1, nil)
	req := MovementRequest{
		Type: MovementSale, StoreID: 1, UserID: 7, IdempotencyKey: "retry-me",
		Lines: []MovementLine{{ProductID: 10, Quantity: 2}},
	}
	_, err := f.svc.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrInsufficientStock)
	f.receive(t, 1, 10, 1, nil)
	res, err := f.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Replayed)
}

func TestConcurrencyConflictsAreRetried(t *testing.T) {
	f := newFixture(t, ServiceConfig{ConflictRetries: 2})
	f.repo.conflicts = 2
	f.receive(t, 1, 10, 3, nil)
	require.Equal(t, int64(3), f.inventory(t, 10, 1).OnHand)

	f.repo.conflicts = 3
	_, err := f.sell(1, 10, 1)
	require.Equal(t, KindConflict, Kind(err))
	require.True(t, Retryable(err))
	require.Equal(t, int64(3), f.inventory(t, 10, 1).OnHand)
}

func TestNotifierFailureDoesNotFailMovement(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.notifier.err = errors.New("queue unavailable")
	f.receive(t, 1, 10, 3, nil)
	require.Equal(t, int64(3), f.inventory(t, 10, 1).OnHand)
}

func TestMarkBatchDepletedRequiresEmptyBatch(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	rec := f.receive(t, 1, 10, 3, nil)
	cmd := BatchCommand{BatchID: rec.BatchIDs[0], StoreID: 1, UserID: 7}

	_, err := f.svc.MarkBatchDepleted(context.Background(), cmd)
	require.ErrorIs(t, err, ErrBatchNotEmpty)
	require.Equal(t, BatchActive, f.repo.batches[cmd.BatchID].Status)

	_, err = f.svc.Execute(context.Background(), MovementRequest{
		Type: MovementTransfer, StoreID: 1, UserID: 7,
		Lines: []MovementLine{{ProductID: 10, Quantity: 3}},
	})
	require.NoError(t, err)

	b, err := f.svc.MarkBatchDepleted(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, BatchDepleted, b.Status)

	_, err = f.svc.MarkBatchDepleted(context.Background(), cmd)
	require.ErrorIs(t, err, ErrBatchNotActive)

	_, err = f.svc.MarkBatchDepleted(context.Background(), BatchCommand{BatchID: cmd.BatchID, StoreID: 2})
	require.ErrorIs(t, err, ErrBatchNotFound)
	require.Contains(t, f.audit.actions(), "ledger:batch_depleted")
}

func TestMarkBatchExpiredStatusOnlyKeepsQuantities(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse})
	rec := f.receive(t, 1, 10, 5, date(2024, 1, 1))

	b, err := f.svc.MarkBatchExpired(context.Background(), BatchCommand{BatchID: rec.BatchIDs[0], StoreID: 1, UserID: 7})
	require.NoError(t, err)
	require.Equal(t, BatchExpired, b.Status)
	require.Equal(t, int64(5), b.RemainingQuantity)
	require.Equal(t, int64(5), f.inventory(t, 10, 1).Stored)
	require.Empty(t, f.txsOfType(MovementAdjustment))
}

func TestMarkBatchExpiredWriteOffTakesWarehouseFirst(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse, ExpiryPolicy: ExpiryWriteOff})
	rec := f.receive(t, 1, 10, 5, date(2024, 1, 1))

	b, err := f.svc.MarkBatchExpired(context.Background(), BatchCommand{BatchID: rec.BatchIDs[0], StoreID: 1, UserID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(0), b.RemainingQuantity)
	require.Equal(t, int64(0), f.inventory(t, 10, 1).Stored)

	adj := f.txsOfType(MovementAdjustment)
	require.Len(t, adj, 1)
	require.Equal(t, int64(-5), adj[0].Quantity)
	require.Equal(t, int64(-5), adj[0].StoredDelta)
	require.Equal(t, int64(0), adj[0].OnHandDelta)
	require.Equal(t, b.BatchNumber, adj[0].ReferenceID)
	requireBalanced(t, f.svc)
}

func TestMarkBatchExpiredWriteOffFallsBackToShelf(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryPolicy: ExpiryWriteOff})
	rec := f.receive(t, 1, 10, 4, date(2024, 1, 1))

	_, err := f.svc.MarkBatchExpired(context.Background(), BatchCommand{BatchID: rec.BatchIDs[0], StoreID: 1, UserID: 7})
	require.NoError(t, err)
	got := f.inventory(t, 10, 1)
	require.Equal(t, int64(0), got.OnHand)
	require.Equal(t, int64(0), got.Stored)
	requireBalanced(t, f.svc)
}

func TestMarkBatchExpiredWriteOffCapsAtRecord(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryPolicy: ExpiryWriteOff})
	rec := f.receive(t, 1, 10, 4, date(2024, 1, 1))
	_, err := f.sell(1, 10, 3)
	require.NoError(t, err)

	b, err := f.svc.MarkBatchExpired(context.Background(), BatchCommand{BatchID: rec.BatchIDs[0], StoreID: 1, UserID: 7})
	require.NoError(t, err)
	require.Equal(t, BatchExpired, b.Status)
	require.Zero(t, b.RemainingQuantity)
	require.Zero(t, f.inventory(t, 10, 1).OnHand)

	adj := f.txsOfType(MovementAdjustment)
	require.Len(t, adj, 1)
	require.Equal(t, int64(-1), adj[0].Quantity)
	require.Equal(t, int64(-1), adj[0].OnHandDelta)
	requireBalanced(t, f.svc)
}

func TestSweepWriteOffExpiresSoldOutBatch(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryPolicy: ExpiryWriteOff})
	rec := f.receive(t, 1, 10, 4, date(2024, 1, 1))
	_, err := f.sell(1, 10, 4)
	require.NoError(t, err)

	report, err := f.svc.SweepExpiredBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Expired: 1}, report)
	require.Equal(t, BatchExpired, f.repo.batches[rec.BatchIDs[0]].Status)
	require.Empty(t, f.txsOfType(MovementAdjustment))

	got := f.inventory(t, 10, 1)
	require.Zero(t, got.OnHand)
	require.Zero(t, got.Stored)
	requireBalanced(t, f.svc)

	report, err = f.svc.SweepExpiredBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, report)
}

func TestSweepWriteOffReportsWrittenQuantity(t *testing.T) {
	f := newFixture(t, ServiceConfig{ExpiryPolicy: ExpiryWriteOff})
	f.receive(t, 1, 10, 4, date(2024, 1, 1))
	f.receive(t, 1, 20, 6, date(2024, 1, 2))
	_, err := f.sell(1, 10, 1)
	require.NoError(t, err)

	report, err := f.svc.SweepExpiredBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Expired: 2, WrittenOff: 9}, report)
	requireBalanced(t, f.svc)
}

func TestSweepExpiresPastDueBatches(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	past := f.receive(t, 1, 10, 2, date(2024, 1, 3))
	f.receive(t, 1, 10, 2, date(2024, 2, 1))
	f.receive(t, 1, 20, 2, nil)

	report, err := f.svc.SweepExpiredBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepReport{Expired: 1}, report)
	require.Equal(t, BatchExpired, f.repo.batches[past.BatchIDs[0]].Status)

	report, err = f.svc.SweepExpiredBatches(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Expired)
}

func TestDeleteTransactionIsAuditedAndBreaksReconciliation(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	rec := f.receive(t, 1, 10, 5, nil)
	txID := rec.TransactionIDs[0]

	_, err := f.svc.DeleteTransaction(context.Background(), TransactionCommand{TransactionID: txID, StoreID: 2, UserID: 1})
	require.ErrorIs(t, err, ErrTransactionNotFound)

	deleted, err := f.svc.DeleteTransaction(context.Background(), TransactionCommand{TransactionID: txID, StoreID: 1, UserID: 1, Reason: "duplicate entry"})
	require.NoError(t, err)
	require.Equal(t, txID, deleted.ID)
	require.Contains(t, f.audit.actions(), "ledger:transaction_deleted")

	rc, err := f.svc.Reconcile(context.Background(), 10, 1)
	require.NoError(t, err)
	require.False(t, rc.Balanced)
	require.Equal(t, int64(5), rc.OnHand)
	require.Zero(t, rc.LoggedOnHand)

	mismatches, err := f.svc.Mismatches(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
}

func TestReconcileMissingRecordIsBalanced(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	rc, err := f.svc.Reconcile(context.Background(), 10, 1)
	require.NoError(t, err)
	require.True(t, rc.Balanced)
}

func TestListLevelsClassifiesStock(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 4, nil)
	f.receive(t, 1, 20, 5, nil)
	levels, err := f.svc.ListLevels(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.Equal(t, LevelCritical, levels[0].Status)
	require.Equal(t, LevelLow, levels[1].Status)
}

func TestClassifyLevel(t *testing.T) {
	require.Equal(t, LevelOutOfStock, ClassifyLevel(0, 10))
	require.Equal(t, LevelCritical, ClassifyLevel(5, 10))
	require.Equal(t, LevelLow, ClassifyLevel(6, 10))
	require.Equal(t, LevelLow, ClassifyLevel(10, 10))
	require.Equal(t, LevelOK, ClassifyLevel(11, 10))
	require.Equal(t, LevelOK, ClassifyLevel(1, 0))
}

func TestListBatchesInFEFOOrder(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	none := f.receive(t, 1, 10, 1, nil)
	late := f.receive(t, 1, 10, 1, date(2024, 3, 1))
	soon := f.receive(t, 1, 10, 1, date(2024, 1, 10))

	listing, err := f.svc.ListBatches(context.Background(), BatchFilter{StoreID: 1, ProductID: 10})
	require.NoError(t, err)
	require.Len(t, listing.Batches, 3)
	require.Equal(t, soon.BatchIDs[0], listing.Batches[0].ID)
	require.Equal(t, late.BatchIDs[0], listing.Batches[1].ID)
	require.Equal(t, none.BatchIDs[0], listing.Batches[2].ID)
	require.Equal(t, 1, listing.ExpiringSoon)

	_, err = f.svc.ListBatches(context.Background(), BatchFilter{StoreID: 1, Status: "Lost"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.receive(t, 1, 10, 5, nil)
	_, err := f.sell(1, 10, 1)
	require.NoError(t, err)

	txs, err := f.svc.ListTransactions(context.Background(), TransactionFilter{StoreID: 1})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, MovementSale, txs[0].Type)

	txs, err = f.svc.ListTransactions(context.Background(), TransactionFilter{StoreID: 1, Type: MovementReceipt})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	_, err = f.svc.ListTransactions(context.Background(), TransactionFilter{StoreID: 1, From: fixedNow, To: fixedNow.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

// Random movement sequences must keep both buckets non-negative and the log
// summing to the live quantities.
func TestRandomSequencesKeepLedgerConsistent(t *testing.T) {
	f := newFixture(t, ServiceConfig{ReceiptTarget: ReceiptToWarehouse, ExpiryPolicy: ExpiryWriteOff})
	rng := rand.New(rand.NewSource(42))
	products := []int64{10, 20}
	var sales []string

	for i := 0; i < 300; i++ {
		product := products[rng.Intn(len(products))]
		store := int64(1 + rng.Intn(2))
		qty := int64(1 + rng.Intn(8))
		var err error
		switch op := rng.Intn(5); op {
		case 0:
			var expiry *time.Time
			if rng.Intn(2) == 0 {
				expiry = date(2024, time.Month(1+rng.Intn(6)), 1+rng.Intn(27))
			}
			_, err = f.svc.Execute(context.Background(), MovementRequest{Type: MovementReceipt, StoreID: store, UserID: 7,
				Lines: []MovementLine{{ProductID: product, Quantity: qty + 5, ExpiryDate: expiry}}})
		case 1:
			_, err = f.svc.Execute(context.Background(), MovementRequest{Type: MovementTransfer, StoreID: store, UserID: 7,
				Lines: []MovementLine{{ProductID: product, Quantity: qty}}})
		case 2:
			var res MovementResult
			res, err = f.sell(store, product, qty)
			if err == nil {
				sales = append(sales, res.Reference)
			}
		case 3:
			if len(sales) == 0 {
				continue
			}
			ref := sales[rng.Intn(len(sales))]
			inv, _ := (&memTx{m: f.repo}).LockInvoiceByNumber(context.Background(), ref)
			_, err = f.svc.Execute(context.Background(), MovementRequest{Type: MovementReturn, StoreID: inv.StoreID, UserID: 7, ReferenceID: ref,
				Lines: []MovementLine{{ProductID: inv.Lines[0].ProductID, Quantity: 1}}})
		case 4:
			for id, b := range f.repo.batches {
				if b.Status == BatchActive {
					_, err = f.svc.MarkBatchExpired(context.Background(), BatchCommand{BatchID: id, StoreID: b.StoreID, UserID: 7})
					require.NoError(t, err)
					break
				}
			}
		}
		if err != nil {
			kind := Kind(err)
			require.Contains(t, []ErrorKind{KindInsufficientStock, KindNotFound, KindValidation}, kind, err.Error())
		}
		for _, rec := range f.repo.inventory {
			require.GreaterOrEqual(t, rec.OnHand, int64(0))
			require.GreaterOrEqual(t, rec.Stored, int64(0))
		}
		for _, b := range f.repo.batches {
			require.GreaterOrEqual(t, b.RemainingQuantity, int64(0))
			require.LessOrEqual(t, b.RemainingQuantity, b.ReceivedQuantity)
		}
		requireBalanced(t, f.svc)
	}
}
