package generic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(typ generic.EntryType, q string) generic.LedgerEntry {
	return generic.LedgerEntry{
		ID:       generic.EntryID(generic.NewID()),
		TenantID: "t1",
		ItemID:   "malt",
		Quantity: qty(q),
		Type:     typ,
	}
}

// =============================================================================
// SIGN RULES
// =============================================================================

func TestValidateEntry_SignRules(t *testing.T) {
	orig := generic.EntryID("e-1")
	tests := []struct {
		name  string
		entry generic.LedgerEntry
		ok    bool
	}{
		{"purchase positive", entry(generic.EntryPurchase, "10"), true},
		{"purchase negative", entry(generic.EntryPurchase, "-10"), false},
		{"production positive", entry(generic.EntryProduction, "24"), true},
		{"production negative", entry(generic.EntryProduction, "-1"), false},
		{"consumption negative", entry(generic.EntryConsumption, "-5"), true},
		{"consumption positive", entry(generic.EntryConsumption, "5"), false},
		{"zero", entry(generic.EntryPurchase, "0"), false},
		{"adjustment without note", entry(generic.EntryAdjustment, "-3"), false},
		{"adjustment with note", func() generic.LedgerEntry {
			e := entry(generic.EntryAdjustment, "-3")
			e.Note = "cycle count"
			return e
		}(), true},
		{"reversal without reference", entry(generic.EntryReversal, "5"), false},
		{"reversal with reference", func() generic.LedgerEntry {
			e := entry(generic.EntryReversal, "5")
			e.ReversesID = &orig
			return e
		}(), true},
		{"unknown type", entry("GIFT", "1"), false},
		{"no tenant", func() generic.LedgerEntry {
			e := entry(generic.EntryPurchase, "1")
			e.TenantID = ""
			return e
		}(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := generic.ValidateEntry(tt.entry)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrValidation), "want validation error, got %v", err)
		})
	}
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestUnreversed(t *testing.T) {
	// GIVEN: Two consumptions, one of them reversed
	a := entry(generic.EntryConsumption, "-10")
	b := entry(generic.EntryConsumption, "-2")
	ref := a.ID
	rev := entry(generic.EntryReversal, "10")
	rev.ReversesID = &ref
	all := []generic.LedgerEntry{a, b, rev}

	// WHEN: Filtering
	open := generic.Unreversed([]generic.LedgerEntry{a, b}, all)

	// THEN: Only b is still open
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
}

func TestUnreversed_SkipsReversalsThemselves(t *testing.T) {
	a := entry(generic.EntryConsumption, "-10")
	ref := a.ID
	rev := entry(generic.EntryReversal, "10")
	rev.ReversesID = &ref

	open := generic.Unreversed([]generic.LedgerEntry{a, rev}, []generic.LedgerEntry{a, rev})

	assert.Empty(t, open)
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestCheckAvailability_ListsEveryShortfall(t *testing.T) {
	locked := map[generic.ItemID]generic.InventoryItem{
		"hops":  {ID: "hops", SKU: "HOPS", CachedBalance: qty("1")},
		"malt":  {ID: "malt", SKU: "MALT", CachedBalance: qty("50")},
		"yeast": {ID: "yeast", SKU: "YEAST", CachedBalance: qty("10")},
	}
	reqs := []generic.Requirement{
		{ItemID: "yeast", Quantity: qty("1")},
		{ItemID: "malt", Quantity: qty("30")},
		{ItemID: "hops", Quantity: qty("2")},
		// A second line for malt pushes the total past stock.
		{ItemID: "malt", Quantity: qty("30")},
	}

	err := generic.CheckAvailability(locked, reqs)

	var insufficient *generic.InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, insufficient.Shortfalls, 2)
	assert.Equal(t, generic.ItemID("hops"), insufficient.Shortfalls[0].ItemID, "sorted by id")
	assert.Equal(t, generic.ItemID("malt"), insufficient.Shortfalls[1].ItemID)
	assert.True(t, qty("60").Equal(insufficient.Shortfalls[1].Required))
	assert.Equal(t, generic.KindInsufficientInventory, generic.KindOf(err))
}

func TestCheckAvailability_ExactBalanceIsEnough(t *testing.T) {
	locked := map[generic.ItemID]generic.InventoryItem{"malt": {ID: "malt", CachedBalance: qty("100")}}

	err := generic.CheckAvailability(locked, []generic.Requirement{{ItemID: "malt", Quantity: qty("100")}})

	assert.NoError(t, err)
}

func TestSortedItemIDs(t *testing.T) {
	got := generic.SortedItemIDs([]generic.ItemID{"c", "a", "b", "a"})
	assert.Equal(t, []generic.ItemID{"a", "b", "c"}, got)
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestKindOf(t *testing.T) {
	tests := []struct {
		err       error
		kind      generic.Kind
		retryable bool
		client    bool
	}{
		{generic.Invalid("volume", "must be positive"), generic.KindValidation, false, true},
		{&generic.NotFoundError{Resource: "batch", ID: "b"}, generic.KindNotFound, false, false},
		{&generic.InvalidBatchStateError{BatchID: "b", Operation: "cancel", Current: generic.StatusCompleted}, generic.KindInvalidBatchState, false, true},
		{&generic.ConflictError{Op: "commit", Err: errors.New("busy")}, generic.KindConcurrentModification, true, false},
		{&generic.InsufficientInventoryError{}, generic.KindInsufficientInventory, false, true},
		{&generic.TankCapacityExceededError{VesselID: "v"}, generic.KindTankCapacityExceeded, false, true},
		{&generic.TankUnavailableError{VesselID: "v"}, generic.KindTankUnavailable, false, true},
		{fmt.Errorf("wrapped: %w", &generic.TankUnavailableError{VesselID: "v"}), generic.KindTankUnavailable, false, true},
		{errors.New("disk on fire"), generic.KindInternal, false, false},
	}
	for _, tt := range tests {
		if got := generic.KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.kind)
		}
		if got := generic.IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v", tt.err, got)
		}
		if got := generic.IsClientError(tt.err); got != tt.client {
			t.Errorf("IsClientError(%v) = %v", tt.err, got)
		}
	}
}

func TestConflictError_KeepsCause(t *testing.T) {
	cause := errors.New("serialization failure")
	err := &generic.ConflictError{Op: "commit", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}
