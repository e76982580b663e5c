package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// movement carries the state of one request inside its transaction.
type movement struct {
	svc *Service
	tx  TxRepository
	req MovementRequest
	now time.Time

	order    []int64
	products map[int64]Product
	batches  []*Batch
	records  map[int64]*InventoryRecord

	reference string
	invoiceID int64
	returnID  int64
	total     decimal.Decimal
	txIDs     []int64
	batchIDs  []int64
}

// prepare loads every product and allocates batches before it locks the
// inventory rows, which are taken last and in ascending product order so
// concurrent movements cannot deadlock.
func (m *movement) prepare(ctx context.Context) error {
	seen := make(map[int64]struct{}, len(m.req.Lines))
	for _, line := range m.req.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		m.order = append(m.order, line.ProductID)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })

	m.products = make(map[int64]Product, len(m.order))
	for _, id := range m.order {
		p, err := m.tx.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("product %d: %w", id, err)
		}
		if p.Deleted && m.req.Type != MovementReturn {
			return fmt.Errorf("product %d: %w", id, ErrProductUnavailable)
		}
		m.products[id] = p
	}

	if err := m.allocateBatches(ctx); err != nil {
		return err
	}

	m.records = make(map[int64]*InventoryRecord, len(m.order))
	for _, id := range m.order {
		rec, err := m.tx.LockInventory(ctx, id, m.req.StoreID)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			m.records[id] = nil
		case err != nil:
			return err
		default:
			m.records[id] = &rec
		}
	}
	return nil
}

// allocateBatches resolves the batch of every consuming line. Transfers
// draw the batch down immediately so later lines see what is left.
func (m *movement) allocateBatches(ctx context.Context) error {
	m.batches = make([]*Batch, len(m.req.Lines))
	if m.req.Type != MovementSale && m.req.Type != MovementTransfer {
		return nil
	}
	consume := m.req.Type == MovementTransfer
	for i, line := range m.req.Lines {
		b, err := m.resolveBatch(ctx, i, line, consume)
		if err != nil {
			return err
		}
		if b != nil && consume {
			b.RemainingQuantity -= line.Quantity
			if err := m.tx.UpdateBatch(ctx, *b); err != nil {
				return err
			}
		}
		m.batches[i] = b
	}
	return nil
}

func (m *movement) sale(ctx context.Context) error {
	m.reference = documentNumber("INV", m.now)
	inv := m.invoice(InvoiceSale, func(p Product) decimal.Decimal { return p.UnitPrice })
	if err := m.insertInvoice(ctx, inv); err != nil {
		return err
	}
	for i, line := range m.req.Lines {
		if _, err := m.apply(ctx, line.ProductID, -line.Quantity, 0); err != nil {
			return lineErr(i, err)
		}
		if err := m.log(ctx, Transaction{
			ProductID:   line.ProductID,
			BatchID:     batchRef(m.batches[i]),
			Quantity:    -line.Quantity,
			OnHandDelta: -line.Quantity,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *movement) receipt(ctx context.Context) error {
	m.reference = documentNumber("PO", m.now)
	inv := m.invoice(InvoicePurchase, func(p Product) decimal.Decimal { return p.UnitCost })
	if err := m.insertInvoice(ctx, inv); err != nil {
		return err
	}
	toWarehouse := m.svc.cfg.ReceiptTarget == ReceiptToWarehouse
	for i, line := range m.req.Lines {
		batch := Batch{
			BatchNumber:       m.batchNumber(line.ProductID),
			ProductID:         line.ProductID,
			StoreID:           m.req.StoreID,
			InvoiceID:         m.invoiceID,
			ReceivedQuantity:  line.Quantity,
			RemainingQuantity: line.Quantity,
			ProductionDate:    line.ProductionDate,
			ExpiryDate:        line.ExpiryDate,
			ReceivedDate:      m.now,
			Status:            BatchActive,
		}
		batchID, err := m.tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		m.batchIDs = append(m.batchIDs, batchID)

		entry := Transaction{ProductID: line.ProductID, BatchID: &batchID, Quantity: line.Quantity}
		if toWarehouse {
			entry.StoredDelta = line.Quantity
		} else {
			entry.OnHandDelta = line.Quantity
		}
		if _, err := m.apply(ctx, line.ProductID, entry.OnHandDelta, entry.StoredDelta); err != nil {
			return lineErr(i, err)
		}
		if err := m.log(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *movement) transfer(ctx context.Context) error {
	m.reference = m.req.ReferenceID
	if m.reference == "" {
		m.reference = documentNumber("TRF", m.now)
	}
	for i, line := range m.req.Lines {
		if _, err := m.apply(ctx, line.ProductID, line.Quantity, -line.Quantity); err != nil {
			return lineErr(i, err)
		}
		if err := m.log(ctx, Transaction{
			ProductID:   line.ProductID,
			BatchID:     batchRef(m.batches[i]),
			Quantity:    line.Quantity,
			OnHandDelta: line.Quantity,
			StoredDelta: -line.Quantity,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *movement) returnGoods(ctx context.Context) error {
	inv, err := m.tx.LockInvoiceByNumber(ctx, m.req.ReferenceID)
	if err != nil {
		return fmt.Errorf("invoice %s: %w", m.req.ReferenceID, err)
	}
	if inv.Type != InvoiceSale || inv.StoreID != m.req.StoreID {
		return fmt.Errorf("%w: %s is not a sale of store %d", ErrInvoiceMismatch, inv.Number, m.req.StoreID)
	}
	m.reference = documentNumber("RET", m.now)
	ret := ReturnRecord{
		Number:    m.reference,
		InvoiceID: inv.ID,
		StoreID:   m.req.StoreID,
		UserID:    m.req.UserID,
		Reason:    m.req.Notes,
		CreatedAt: m.now,
	}
	pending := make(map[int64]int64)
	for i, line := range m.req.Lines {
		il, err := m.returnableLine(ctx, inv, line, pending)
		if err != nil {
			return lineErr(i, err)
		}
		pending[il.ID] += line.Quantity
		refund := il.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
		ret.Lines = append(ret.Lines, ReturnLine{
			InvoiceLineID: il.ID,
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			RefundAmount:  refund,
		})
		ret.RefundTotal = ret.RefundTotal.Add(refund)
	}
	id, err := m.tx.InsertReturn(ctx, ret)
	if err != nil {
		return err
	}
	m.returnID = id
	m.total = ret.RefundTotal
	for i, line := range m.req.Lines {
		if _, err := m.apply(ctx, line.ProductID, line.Quantity, 0); err != nil {
			return lineErr(i, err)
		}
		if err := m.log(ctx, Transaction{
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
			OnHandDelta: line.Quantity,
			Notes:       "return of " + inv.Number,
		}); err != nil {
			return err
		}
	}
	return nil
}

// returnableLine finds the first invoice line for the product that still has
// enough unreturned quantity.
func (m *movement) returnableLine(ctx context.Context, inv Invoice, line MovementLine, pending map[int64]int64) (InvoiceLine, error) {
	found := false
	var best int64
	for _, il := range inv.Lines {
		if il.ProductID != line.ProductID {
			continue
		}
		found = true
		returned, err := m.tx.ReturnedQuantity(ctx, il.ID)
		if err != nil {
			return InvoiceLine{}, err
		}
		left := il.Quantity - returned - pending[il.ID]
		if left >= line.Quantity {
			return il, nil
		}
		if left > best {
			best = left
		}
	}
	if !found {
		return InvoiceLine{}, fmt.Errorf("%w: product %d is not on invoice %s", ErrInvoiceMismatch, line.ProductID, inv.Number)
	}
	return InvoiceLine{}, fmt.Errorf("%w: requested %d, returnable %d", ErrReturnExceedsSold, line.Quantity, best)
}

func (m *movement) invoice(typ InvoiceType, defaultPrice func(Product) decimal.Decimal) Invoice {
	inv := Invoice{
		Number:        m.reference,
		Type:          typ,
		StoreID:       m.req.StoreID,
		UserID:        m.req.UserID,
		PartyID:       m.req.PartyID,
		PaymentMethod: m.req.PaymentMethod,
		Notes:         m.req.Notes,
		CreatedAt:     m.now,
	}
	for _, line := range m.req.Lines {
		p := m.products[line.ProductID]
		price := defaultPrice(p)
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		}
		subtotal := price.Mul(decimal.NewFromInt(line.Quantity))
		inv.Lines = append(inv.Lines, InvoiceLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: price,
			UnitCost:  p.UnitCost,
			Subtotal:  subtotal,
		})
		inv.Total = inv.Total.Add(subtotal)
	}
	return inv
}

func (m *movement) insertInvoice(ctx context.Context, inv Invoice) error {
	id, err := m.tx.InsertInvoice(ctx, inv)
	if err != nil {
		return err
	}
	m.invoiceID = id
	m.total = inv.Total
	return nil
}

// resolveBatch returns the batch a consuming line is attributed to. A hint
// must name an active batch of the same product and store that covers the
// quantity; without a hint FEFO decides and nil means aggregate stock.
func (m *movement) resolveBatch(ctx context.Context, idx int, line MovementLine, forUpdate bool) (*Batch, error) {
	if line.BatchHint == nil {
		b, err := m.tx.FEFOBatch(ctx, line.ProductID, m.req.StoreID, line.Quantity, forUpdate)
		if err != nil {
			return nil, lineErr(idx, err)
		}
		return b, nil
	}
	b, err := m.tx.LockBatch(ctx, *line.BatchHint)
	if errors.Is(err, ErrBatchNotFound) {
		return nil, lineErr(idx, fmt.Errorf("%w: batch %d does not exist", ErrBatchHintMismatch, *line.BatchHint))
	}
	if err != nil {
		return nil, lineErr(idx, err)
	}
	if !canServe(b, line.ProductID, m.req.StoreID, line.Quantity) {
		return nil, lineErr(idx, fmt.Errorf("%w: batch %s", ErrBatchHintMismatch, b.BatchNumber))
	}
	return &b, nil
}

func (m *movement) apply(ctx context.Context, productID, onHandDelta, storedDelta int64) (InventoryRecord, error) {
	next, err := applyDelta(m.records[productID], productID, m.req.StoreID, onHandDelta, storedDelta)
	if err != nil {
		return InventoryRecord{}, err
	}
	next.UpdatedAt = m.now
	if err := m.tx.UpsertInventory(ctx, next); err != nil {
		return InventoryRecord{}, err
	}
	m.records[productID] = &next
	return next, nil
}

func (m *movement) log(ctx context.Context, t Transaction) error {
	t.Type = m.req.Type
	t.StoreID = m.req.StoreID
	t.CreatedBy = m.req.UserID
	t.CreatedAt = m.now
	t.ReferenceID = m.reference
	if t.Notes == "" {
		t.Notes = m.req.Notes
	}
	id, err := m.tx.InsertTransaction(ctx, t)
	if err != nil {
		return err
	}
	m.txIDs = append(m.txIDs, id)
	return nil
}

func (m *movement) batchNumber(productID int64) string {
	return documentNumber("BATCH", m.now) + "-" + strconv.FormatInt(productID, 10)
}

func (m *movement) result() MovementResult {
	res := MovementResult{
		Type:           m.req.Type,
		StoreID:        m.req.StoreID,
		Reference:      m.reference,
		InvoiceID:      m.invoiceID,
		ReturnID:       m.returnID,
		Total:          m.total,
		TransactionIDs: append([]int64{}, m.txIDs...),
		BatchIDs:       m.batchIDs,
		NewBalances:    []Balance{},
	}
	for _, id := range m.order {
		if rec := m.records[id]; rec != nil {
			res.NewBalances = append(res.NewBalances, Balance{ProductID: id, OnHand: rec.OnHand, Stored: rec.Stored})
		}
	}
	return res
}

// applyDelta computes the record after a delta. Decrements never create a
// record; increments start from zero. Neither bucket may go negative.
func applyDelta(current *InventoryRecord, productID, storeID, onHandDelta, storedDelta int64) (InventoryRecord, error) {
	if current == nil {
		if onHandDelta < 0 || storedDelta < 0 {
			return InventoryRecord{}, fmt.Errorf("product %d in store %d: %w", productID, storeID, ErrRecordNotFound)
		}
		current = &InventoryRecord{ProductID: productID, StoreID: storeID}
	}
	next := *current
	next.OnHand += onHandDelta
	next.Stored += storedDelta
	if next.OnHand < 0 {
		return InventoryRecord{}, &StockError{ProductID: productID, StoreID: storeID, Bucket: "on-hand", Requested: -onHandDelta, Available: current.OnHand}
	}
	if next.Stored < 0 {
		return InventoryRecord{}, &StockError{ProductID: productID, StoreID: storeID, Bucket: "stored", Requested: -storedDelta, Available: current.Stored}
	}
	return next, nil
}

func batchRef(b *Batch) *int64 {
	if b == nil {
		return nil
	}
	id := b.ID
	return &id
}

func documentNumber(prefix string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return prefix + "-" + at.Format("20060102150405") + "-" + suffix
}
