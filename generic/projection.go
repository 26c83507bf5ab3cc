/*
projection.go - Advisory availability projection

PURPOSE:
  Answers "could this batch be planned right now?" without taking locks.
  The projection reads cached balances outside any transaction, so it may
  be stale by the time the caller acts on it. It never holds stock: the
  authoritative check is CheckAvailability against locked rows inside the
  creating transaction.

KEY INSIGHT:
  Requirements for the same item are summed before comparing, exactly as
  CheckAvailability does, so a projection and a create against an
  unchanged ledger agree on every shortfall.

SEE ALSO:
  - ledger.go: CheckAvailability (locked, authoritative)
  - brewing/batch.go: BatchService.Plan
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProjectionLine is one item's projected position after the requirement.
type ProjectionLine struct {
	ItemID    ItemID
	SKU       string
	Name      string
	Unit      Unit
	Required  decimal.Decimal
	Available decimal.Decimal
	Remaining decimal.Decimal
}

// Short reports whether the item cannot cover its requirement.
func (l ProjectionLine) Short() bool {
	return l.Remaining.IsNegative()
}

// Projection is the advisory result over every required item.
type Projection struct {
	Lines []ProjectionLine
}

// Feasible is true when no line is short.
func (p Projection) Feasible() bool {
	for _, l := range p.Lines {
		if l.Short() {
			return false
		}
	}
	return true
}

// Shortfalls lists the short lines in the error taxonomy's shape.
func (p Projection) Shortfalls() []Shortfall {
	var out []Shortfall
	for _, l := range p.Lines {
		if l.Short() {
			out = append(out, Shortfall{ItemID: l.ItemID, SKU: l.SKU, Name: l.Name, Unit: l.Unit,
				Required: l.Required, Available: l.Available})
		}
	}
	return out
}

// Project reads each required item and computes what would remain. An item
// that does not exist is a NotFoundError.
func Project(ctx context.Context, r Reader, tenant TenantID, reqs []Requirement) (Projection, error) {
	totals := make(map[ItemID]decimal.Decimal)
	var order []ItemID
	for _, q := range reqs {
		if _, ok := totals[q.ItemID]; !ok {
			order = append(order, q.ItemID)
		}
		totals[q.ItemID] = totals[q.ItemID].Add(q.Quantity)
	}

	var proj Projection
	for _, id := range SortedItemIDs(order) {
		item, err := r.GetItem(ctx, tenant, id)
		if err != nil {
			return Projection{}, err
		}
		if item == nil {
			return Projection{}, &NotFoundError{Resource: "item", ID: string(id)}
		}
		need := totals[id]
		proj.Lines = append(proj.Lines, ProjectionLine{
			ItemID:    id,
			SKU:       item.SKU,
			Name:      item.Name,
			Unit:      item.Unit,
			Required:  need,
			Available: item.CachedBalance,
			Remaining: item.CachedBalance.Sub(need),
		})
	}
	return proj, nil
}
