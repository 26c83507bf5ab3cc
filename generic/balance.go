/*
balance.go - Cached balance reads and verification

PURPOSE:
  Answers "how much of this item is on hand?" from the materialized
  cached balance, without locks, and provides the diagnostic recompute
  that proves the projection still matches the ledger.

STALENESS:
  GetPosition reads outside any transaction and may be stale by the time
  the caller acts. It must never feed an availability decision; those go
  through Ledger.LockForUpdate + CheckAvailability under one Tx.

AVAILABILITY:
  There are no holds outside a transaction boundary, so Available equals
  OnHand floored at zero.

SEE ALSO:
  - ledger.go: Append is the only writer of the cached balance
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// GetPosition returns the cached, lock-free position for an item.
func GetPosition(ctx context.Context, r Reader, tenant TenantID, id ItemID) (Position, error) {
	item, err := r.GetItem(ctx, tenant, id)
	if err != nil {
		return Position{}, err
	}
	if item == nil {
		return Position{}, &NotFoundError{Resource: "item", ID: string(id)}
	}
	return positionOf(*item), nil
}

func positionOf(item InventoryItem) Position {
	available := item.CachedBalance
	if available.IsNegative() {
		available = decimal.Zero
	}
	return Position{
		ItemID:    item.ID,
		SKU:       item.SKU,
		Unit:      item.Unit,
		OnHand:    item.CachedBalance,
		Available: available,
	}
}

// BalanceCheck is the outcome of VerifyBalance.
type BalanceCheck struct {
	ItemID     ItemID
	Cached     decimal.Decimal
	LedgerSum  decimal.Decimal
	Entries    int
	Consistent bool
}

// Drift is cached minus recomputed.
func (c BalanceCheck) Drift() decimal.Decimal {
	return c.Cached.Sub(c.LedgerSum)
}

// VerifyBalance recomputes the full ledger sum and compares it with the
// cached balance. Run it through a Tx for a consistent snapshot.
func VerifyBalance(ctx context.Context, r Reader, tenant TenantID, id ItemID) (BalanceCheck, error) {
	item, err := r.GetItem(ctx, tenant, id)
	if err != nil {
		return BalanceCheck{}, err
	}
	if item == nil {
		return BalanceCheck{}, &NotFoundError{Resource: "item", ID: string(id)}
	}
	sum, err := r.SumLedger(ctx, tenant, id)
	if err != nil {
		return BalanceCheck{}, err
	}
	return BalanceCheck{
		ItemID:     id,
		Cached:     item.CachedBalance,
		LedgerSum:  sum.Total,
		Entries:    sum.Entries,
		Consistent: item.CachedBalance.Equal(sum.Total),
	}, nil
}
