package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storeinv/backoffice/internal/platform/db"
	"github.com/storeinv/backoffice/internal/shared"
)

type invKey struct{ product, store int64 }

type idemEntry struct {
	payload []byte
}

// memRepo is an in-memory ledger store. Failed transactions restore the
// snapshot taken when they began.
type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	stores    map[int64]bool
	products  map[int64]Product
	inventory map[invKey]InventoryRecord
	batches   map[int64]Batch
	invoices  map[int64]Invoice
	returns   map[int64]ReturnRecord
	txs       map[int64]Transaction
	idem      map[string]idemEntry

	conflicts int
	locks     []string
}

func newMemRepo() *memRepo {
	return &memRepo{
		stores:    map[int64]bool{},
		products:  map[int64]Product{},
		inventory: map[invKey]InventoryRecord{},
		batches:   map[int64]Batch{},
		invoices:  map[int64]Invoice{},
		returns:   map[int64]ReturnRecord{},
		txs:       map[int64]Transaction{},
		idem:      map[string]idemEntry{},
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

type memSnapshot struct {
	nextID    int64
	inventory map[invKey]InventoryRecord
	batches   map[int64]Batch
	invoices  map[int64]Invoice
	returns   map[int64]ReturnRecord
	txs       map[int64]Transaction
	idem      map[string]idemEntry
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memRepo) snapshot() memSnapshot {
	return memSnapshot{
		nextID:    m.nextID,
		inventory: cloneMap(m.inventory),
		batches:   cloneMap(m.batches),
		invoices:  cloneMap(m.invoices),
		returns:   cloneMap(m.returns),
		txs:       cloneMap(m.txs),
		idem:      cloneMap(m.idem),
	}
}

func (m *memRepo) restore(s memSnapshot) {
	m.nextID = s.nextID
	m.inventory = s.inventory
	m.batches = s.batches
	m.invoices = s.invoices
	m.returns = s.returns
	m.txs = s.txs
	m.idem = s.idem
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("commit: %w", db.ErrSerialization)
	}
	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memRepo) GetInventory(_ context.Context, productID, storeID int64) (InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.inventory[invKey{productID, storeID}]
	if !ok {
		return InventoryRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memRepo) ActiveBatches(_ context.Context, productID, storeID, minRemaining int64) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.batches {
		if canServe(b, productID, storeID, minRemaining) {
			out = append(out, b)
		}
	}
	SortFEFO(out)
	return out, nil
}

func (m *memRepo) ListBatches(_ context.Context, f BatchFilter) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.batches {
		if b.StoreID != f.StoreID || (f.ProductID != 0 && b.ProductID != f.ProductID) || (f.Status != "" && b.Status != f.Status) {
			continue
		}
		out = append(out, b)
	}
	SortFEFO(out)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memRepo) CountExpiringBatches(_ context.Context, storeID int64, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.StoreID == storeID && b.Status == BatchActive && b.ExpiryDate != nil && !b.ExpiryDate.After(before) {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ListTransactions(_ context.Context, f TransactionFilter) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.txs {
		if t.StoreID != f.StoreID || (f.ProductID != 0 && t.ProductID != f.ProductID) || (f.Type != "" && t.Type != f.Type) {
			continue
		}
		if (!f.From.IsZero() && t.CreatedAt.Before(f.From)) || (!f.To.IsZero() && t.CreatedAt.After(f.To)) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memRepo) ListLevels(_ context.Context, storeID int64) ([]StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StockLevel
	for k, rec := range m.inventory {
		p := m.products[k.product]
		if k.store != storeID || p.Deleted {
			continue
		}
		out = append(out, StockLevel{ProductID: p.ID, ProductName: p.Name, OnHand: rec.OnHand, Stored: rec.Stored, ReorderLevel: p.ReorderLevel})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *memRepo) LoggedDeltas(_ context.Context, productID, storeID int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var onHand, stored int64
	for _, t := range m.txs {
		if t.ProductID == productID && t.StoreID == storeID {
			onHand += t.OnHandDelta
			stored += t.StoredDelta
		}
	}
	return onHand, stored, nil
}

func (m *memRepo) ListReconciliations(_ context.Context) ([]Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := map[invKey]*Reconciliation{}
	get := func(k invKey) *Reconciliation {
		if rc, ok := byKey[k]; ok {
			return rc
		}
		rc := &Reconciliation{ProductID: k.product, StoreID: k.store}
		byKey[k] = rc
		return rc
	}
	for k, rec := range m.inventory {
		rc := get(k)
		rc.OnHand, rc.Stored = rec.OnHand, rec.Stored
	}
	for _, t := range m.txs {
		rc := get(invKey{t.ProductID, t.StoreID})
		rc.LoggedOnHand += t.OnHandDelta
		rc.LoggedStored += t.StoredDelta
	}
	out := make([]Reconciliation, 0, len(byKey))
	for _, rc := range byKey {
		out = append(out, *rc)
	}
	return out, nil
}

func (m *memRepo) ExpiredBatches(_ context.Context, asOf time.Time, limit int) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.batches {
		if b.Status == BatchActive && b.ExpiryDate != nil && b.ExpiryDate.Before(asOf) {
			out = append(out, b)
		}
	}
	SortFEFO(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	m *memRepo
}

func (t *memTx) StoreExists(_ context.Context, storeID int64) (bool, error) {
	return t.m.stores[storeID], nil
}

func (t *memTx) GetProduct(_ context.Context, productID int64) (Product, error) {
	p, ok := t.m.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (t *memTx) LockInventory(_ context.Context, productID, storeID int64) (InventoryRecord, error) {
	t.m.locks = append(t.m.locks, fmt.Sprintf("inventory:%d", productID))
	rec, ok := t.m.inventory[invKey{productID, storeID}]
	if !ok {
		return InventoryRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (t *memTx) UpsertInventory(_ context.Context, rec InventoryRecord) error {
	if rec.OnHand < 0 || rec.Stored < 0 {
		return fmt.Errorf("check constraint violated")
	}
	t.m.inventory[invKey{rec.ProductID, rec.StoreID}] = rec
	return nil
}

func (t *memTx) FEFOBatch(_ context.Context, productID, storeID, quantity int64, forUpdate bool) (*Batch, error) {
	if forUpdate {
		t.m.locks = append(t.m.locks, fmt.Sprintf("batch:%d", productID))
	}
	all := make([]Batch, 0, len(t.m.batches))
	for _, b := range t.m.batches {
		all = append(all, b)
	}
	return SelectFEFO(all, productID, storeID, quantity), nil
}

func (t *memTx) LockBatch(_ context.Context, batchID int64) (Batch, error) {
	b, ok := t.m.batches[batchID]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	t.m.locks = append(t.m.locks, fmt.Sprintf("batch:%d", b.ProductID))
	return b, nil
}

func (t *memTx) InsertBatch(_ context.Context, b Batch) (int64, error) {
	b.ID = t.m.id()
	t.m.batches[b.ID] = b
	return b.ID, nil
}

func (t *memTx) UpdateBatch(_ context.Context, b Batch) error {
	if _, ok := t.m.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	if b.RemainingQuantity < 0 || b.RemainingQuantity > b.ReceivedQuantity {
		return fmt.Errorf("batch quantity constraint violated")
	}
	t.m.batches[b.ID] = b
	return nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv Invoice) (int64, error) {
	inv.ID = t.m.id()
	lines := make([]InvoiceLine, len(inv.Lines))
	for i, l := range inv.Lines {
		l.ID = t.m.id()
		l.InvoiceID = inv.ID
		lines[i] = l
	}
	inv.Lines = lines
	t.m.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (t *memTx) LockInvoiceByNumber(_ context.Context, number string) (Invoice, error) {
	for _, inv := range t.m.invoices {
		if inv.Number == number {
			return inv, nil
		}
	}
	return Invoice{}, ErrInvoiceNotFound
}

func (t *memTx) ReturnedQuantity(_ context.Context, invoiceLineID int64) (int64, error) {
	var qty int64
	for _, r := range t.m.returns {
		for _, l := range r.Lines {
			if l.InvoiceLineID == invoiceLineID {
				qty += l.Quantity
			}
		}
	}
	return qty, nil
}

func (t *memTx) InsertReturn(_ context.Context, ret ReturnRecord) (int64, error) {
	ret.ID = t.m.id()
	t.m.returns[ret.ID] = ret
	return ret.ID, nil
}

// InsertTransaction enforces the inventory_transactions CHECK constraints.
func (t *memTx) InsertTransaction(_ context.Context, tr Transaction) (int64, error) {
	switch tr.Type {
	case MovementSale, MovementReceipt, MovementTransfer, MovementReturn, MovementAdjustment:
	default:
		return 0, fmt.Errorf("transaction_type check constraint violated: %q", tr.Type)
	}
	if tr.Quantity == 0 {
		return 0, fmt.Errorf("quantity check constraint violated")
	}
	tr.ID = t.m.id()
	t.m.txs[tr.ID] = tr
	return tr.ID, nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id, storeID int64) (Transaction, error) {
	tr, ok := t.m.txs[id]
	if !ok || tr.StoreID != storeID {
		return Transaction{}, ErrTransactionNotFound
	}
	delete(t.m.txs, id)
	return tr, nil
}

func (t *memTx) ClaimIdempotency(_ context.Context, scope, key string) ([]byte, bool, error) {
	entry, ok := t.m.idem[scope+"|"+key]
	if !ok {
		t.m.idem[scope+"|"+key] = idemEntry{}
		return nil, true, nil
	}
	if len(entry.payload) == 0 {
		return nil, false, shared.ErrIdempotencyConflict
	}
	return entry.payload, false, nil
}

func (t *memTx) CompleteIdempotency(_ context.Context, scope, key string, result []byte) error {
	t.m.idem[scope+"|"+key] = idemEntry{payload: result}
	return nil
}

type auditRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type notifierStub struct {
	mu     sync.Mutex
	stores []int64
	err    error
}

func (n *notifierStub) NotifyStockChanged(_ context.Context, storeID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stores = append(n.stores, storeID)
	return n.err
}

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.stores)
}
