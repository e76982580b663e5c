package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRepo struct {
	mu       sync.Mutex
	stores   []int64
	low      map[int64][]LowStockCandidate
	expiring map[int64][]ExpiryCandidate
	alerts   []Alert
	nextID   int64
}

func newMemRepo(stores ...int64) *memRepo {
	return &memRepo{
		stores:   stores,
		low:      map[int64][]LowStockCandidate{},
		expiring: map[int64][]ExpiryCandidate{},
	}
}

func (m *memRepo) StoreIDs(context.Context) ([]int64, error) {
	return append([]int64(nil), m.stores...), nil
}

func (m *memRepo) LowStockCandidates(_ context.Context, storeID int64) ([]LowStockCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LowStockCandidate(nil), m.low[storeID]...), nil
}

func (m *memRepo) ExpiryCandidates(_ context.Context, storeID int64, from, before time.Time) ([]ExpiryCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExpiryCandidate
	for _, c := range m.expiring[storeID] {
		if !c.ExpiryDate.Before(from) && !c.ExpiryDate.After(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func sameBatch(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memRepo) InsertUnlessOpen(_ context.Context, a Alert, dedupSince *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.Type != a.Type || existing.StoreID != a.StoreID || existing.ProductID != a.ProductID || !sameBatch(existing.BatchID, a.BatchID) {
			continue
		}
		if !existing.IsRead {
			return false, nil
		}
		if dedupSince != nil && !existing.CreatedAt.Before(*dedupSince) {
			return false, nil
		}
	}
	m.nextID++
	a.ID = m.nextID
	m.alerts = append(m.alerts, a)
	return true, nil
}

func (m *memRepo) List(_ context.Context, storeID int64, readSince time.Time) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.StoreID == storeID && (!a.IsRead || !a.CreatedAt.Before(readSince)) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *memRepo) MarkRead(_ context.Context, storeID, alertID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == alertID && m.alerts[i].StoreID == storeID {
			m.alerts[i].IsRead = true
			return nil
		}
	}
	return ErrAlertNotFound
}

func (m *memRepo) count(storeID int64, typ Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.StoreID == storeID && a.Type == typ {
			n++
		}
	}
	return n
}
