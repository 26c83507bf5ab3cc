/*
ledger.go - Append-only inventory movement log

PURPOSE:
  The ledger is the immutable source of truth for stock. Every purchase,
  consumption, production, adjustment and reversal is one entry. The
  item's cached balance is a materialized projection of the ledger that
  moves in the same transaction as each append.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. cachedBalance == Σ(entry.quantity) for every item after every commit
  3. Only Append moves the cached balance (through Tx.AppendLedgerEntry)

SIGN RULES:
  PURCHASE    > 0
  PRODUCTION  > 0
  CONSUMPTION < 0
  ADJUSTMENT  ≠ 0, either sign, reason required
  REVERSAL    = −(original quantity), must reference the original entry

NO CLAMPING:
  Append never rejects a result below zero. Callers that must not
  overdraw lock the items with LockForUpdate, check availability, and
  append under the same lock.

CORRECTIONS:
  A mistake is never edited. Reverse appends the exact negation and
  points at the original; both rows stay in the ledger.

SEE ALSO:
  - balance.go: Position reads and VerifyBalance
  - store.go: Tx.AppendLedgerEntry
*/
package generic

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger appends inventory movements inside a caller-owned transaction.
type Ledger struct {
	Clock Clock
}

func NewLedger(clock Clock) *Ledger {
	return &Ledger{Clock: clock}
}

// LockForUpdate takes exclusive row locks on ids, in id order, and returns
// the locked rows keyed by id. Any missing id fails the whole call.
func (l *Ledger) LockForUpdate(ctx context.Context, tx Tx, tenant TenantID, ids []ItemID) (map[ItemID]InventoryItem, error) {
	ordered := SortedItemIDs(ids)
	rows, err := tx.LockItems(ctx, tenant, ordered)
	if err != nil {
		return nil, err
	}
	locked := make(map[ItemID]InventoryItem, len(rows))
	for _, it := range rows {
		locked[it.ID] = it
	}
	for _, id := range ordered {
		if _, ok := locked[id]; !ok {
			return nil, &NotFoundError{Resource: "item", ID: string(id)}
		}
	}
	return locked, nil
}

// Append validates e, stamps it, and persists it together with the
// cached-balance delta.
func (l *Ledger) Append(ctx context.Context, tx Tx, e LedgerEntry) (LedgerEntry, error) {
	if err := ValidateEntry(e); err != nil {
		return LedgerEntry{}, err
	}
	if e.ID == "" {
		e.ID = EntryID(NewID())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Clock.now()
	}
	if err := tx.AppendLedgerEntry(ctx, e); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// Reverse appends the compensating entry for original.
func (l *Ledger) Reverse(ctx context.Context, tx Tx, original LedgerEntry, actor, note string) (LedgerEntry, error) {
	if original.Type == EntryReversal {
		return LedgerEntry{}, Invalid("type", "a reversal cannot itself be reversed")
	}
	id := original.ID
	return l.Append(ctx, tx, LedgerEntry{
		TenantID:   original.TenantID,
		ItemID:     original.ItemID,
		Quantity:   original.Quantity.Neg(),
		Type:       EntryReversal,
		BatchID:    original.BatchID,
		ReversesID: &id,
		Note:       note,
		Actor:      actor,
	})
}

// ValidateEntry enforces the sign rules per entry type.
func ValidateEntry(e LedgerEntry) error {
	if e.TenantID == "" {
		return Invalid("tenant_id", "required")
	}
	if e.ItemID == "" {
		return Invalid("item_id", "required")
	}
	if !e.Type.Valid() {
		return Invalid("type", "unknown entry type %q", e.Type)
	}
	if e.Quantity.IsZero() {
		return Invalid("quantity", "must not be zero")
	}
	switch e.Type {
	case EntryPurchase, EntryProduction:
		if !e.Quantity.IsPositive() {
			return Invalid("quantity", "%s must be positive", e.Type)
		}
	case EntryConsumption:
		if !e.Quantity.IsNegative() {
			return Invalid("quantity", "CONSUMPTION must be negative")
		}
	case EntryAdjustment:
		if e.Note == "" {
			return Invalid("note", "ADJUSTMENT requires a reason")
		}
	case EntryReversal:
		if e.ReversesID == nil || *e.ReversesID == "" {
			return Invalid("reverses_id", "REVERSAL must reference the original entry")
		}
	}
	return nil
}

// Unreversed filters entries down to those no REVERSAL in all points at.
func Unreversed(entries, all []LedgerEntry) []LedgerEntry {
	reversed := make(map[EntryID]bool)
	for _, e := range all {
		if e.Type == EntryReversal && e.ReversesID != nil {
			reversed[*e.ReversesID] = true
		}
	}
	var out []LedgerEntry
	for _, e := range entries {
		if e.Type != EntryReversal && !reversed[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

// SortedItemIDs returns a de-duplicated copy of ids in lock order.
func SortedItemIDs(ids []ItemID) []ItemID {
	seen := make(map[ItemID]bool, len(ids))
	out := make([]ItemID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Requirement is a quantity that must be available for one item.
type Requirement struct {
	ItemID   ItemID
	Quantity decimal.Decimal
}

// CheckAvailability compares requirements against locked rows and returns
// one InsufficientInventoryError naming every short item, or nil.
func CheckAvailability(locked map[ItemID]InventoryItem, reqs []Requirement) error {
	totals := make(map[ItemID]decimal.Decimal)
	var order []ItemID
	for _, r := range reqs {
		if _, ok := totals[r.ItemID]; !ok {
			order = append(order, r.ItemID)
		}
		totals[r.ItemID] = totals[r.ItemID].Add(r.Quantity)
	}
	var short []Shortfall
	for _, id := range SortedItemIDs(order) {
		item := locked[id]
		need := totals[id]
		if item.CachedBalance.LessThan(need) {
			short = append(short, Shortfall{
				ItemID:    id,
				SKU:       item.SKU,
				Name:      item.Name,
				Unit:      item.Unit,
				Required:  need,
				Available: item.CachedBalance,
			})
		}
	}
	if len(short) > 0 {
		return &InsufficientInventoryError{Shortfalls: short}
	}
	return nil
}
