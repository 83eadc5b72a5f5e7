// Package allocation computes how a requested medicine quantity is split
// across stock locations. Consumption follows the order of the holdings
// listing (location id ascending), which stands in for chronological FIFO;
// stock is not consumed by expiry date.
package allocation

import (
	"klinikvet/backend/internal/domain"
	"klinikvet/backend/internal/store"
)

// Plan walks the ordered holdings and takes min(remaining, available) at each
// location until the requested quantity is covered. Given the same holdings
// and quantity it always produces the same plan. If the holdings cannot cover
// the request it returns *store.InsufficientStockError with the total that
// was available.
func Plan(holdings []domain.LocationStock, itemID string, requested int) ([]domain.AllocationSlice, error) {
	remaining := requested
	plan := make([]domain.AllocationSlice, 0, len(holdings))

	for _, holding := range holdings {
		if remaining == 0 {
			break
		}
		if holding.Qty < 1 {
			continue
		}
		take := remaining
		if take > holding.Qty {
			take = holding.Qty
		}
		plan = append(plan, domain.AllocationSlice{LocationID: holding.LocationID, Qty: take})
		remaining -= take
	}

	if remaining > 0 {
		available := 0
		for _, holding := range holdings {
			if holding.Qty > 0 {
				available += holding.Qty
			}
		}
		return nil, &store.InsufficientStockError{
			ItemID:    itemID,
			Requested: requested,
			Available: available,
		}
	}

	return plan, nil
}
