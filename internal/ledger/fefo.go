package ledger

import "sort"

// fefoLess orders batches soonest expiry first. Batches without an expiry
// sort after every expiring batch; ties go to the earliest received.
func fefoLess(a, b Batch) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	case !a.ReceivedDate.Equal(b.ReceivedDate):
		return a.ReceivedDate.Before(b.ReceivedDate)
	default:
		return a.ID < b.ID
	}
}

// SortFEFO sorts batches in place in allocation order.
func SortFEFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool { return fefoLess(batches[i], batches[j]) })
}

// SelectFEFO picks the batch a movement of quantity should draw from: the
// first Active batch for the product and store, in FEFO order, whose
// remaining quantity covers it. It returns nil when no single batch does.
func SelectFEFO(batches []Batch, productID, storeID, quantity int64) *Batch {
	var best *Batch
	for i := range batches {
		b := batches[i]
		if !canServe(b, productID, storeID, quantity) {
			continue
		}
		if best == nil || fefoLess(b, *best) {
			picked := b
			best = &picked
		}
	}
	return best
}

func canServe(b Batch, productID, storeID, quantity int64) bool {
	return b.Status == BatchActive &&
		b.ProductID == productID &&
		b.StoreID == storeID &&
		b.RemainingQuantity >= quantity
}
