package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

var t0 = time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) generic.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	e := generic.LedgerEntry{
		ID: "e-1", TenantID: "t1", ItemID: "malt", Quantity: decimal.NewFromInt(40),
		Type: generic.EntryPurchase, Actor: "test", CreatedAt: t0,
	}
	err := s.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.InsertItem(ctx, generic.InventoryItem{
			ID: "malt", TenantID: "t1", SKU: "MALT", Name: "Malt", Unit: generic.UnitKilograms, CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.AppendLedgerEntry(ctx, e)
	})
	require.NoError(t, err)
	return e
}

func TestAppendLedgerEntry_MovesBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s)

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		return tx.AppendLedgerEntry(ctx, generic.LedgerEntry{
			ID: "e-2", TenantID: "t1", ItemID: "malt", Quantity: decimal.RequireFromString("-12.5"),
			Type: generic.EntryConsumption, CreatedAt: t0,
		})
	})
	require.NoError(t, err)

	it, err := s.GetItem(ctx, "t1", "malt")
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.True(t, decimal.RequireFromString("27.5").Equal(it.CachedBalance), "got %s", it.CachedBalance)

	sum, err := s.SumLedger(ctx, "t1", "malt")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Entries)
	assert.True(t, sum.Total.Equal(it.CachedBalance))
}

func TestAppendLedgerEntry_UnknownItem(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		return tx.AppendLedgerEntry(ctx, generic.LedgerEntry{
			ID: "e-x", TenantID: "t1", ItemID: "ghost", Quantity: decimal.NewFromInt(1),
			Type: generic.EntryPurchase, CreatedAt: t0,
		})
	})

	assert.True(t, generic.IsNotFound(err))
}

func TestLedger_IsAppendOnly(t *testing.T) {
	// GIVEN: One committed entry
	s := newStore(t)
	seed(t, s)

	// WHEN: Editing or deleting it with raw SQL
	_, updErr := s.db.Exec(`UPDATE ledger_entries SET quantity = '1' WHERE id = 'e-1'`)
	_, delErr := s.db.Exec(`DELETE FROM ledger_entries WHERE id = 'e-1'`)

	// THEN: Both are refused by the schema
	require.Error(t, updErr)
	assert.Contains(t, updErr.Error(), "append-only")
	require.Error(t, delErr)
	assert.Contains(t, delErr.Error(), "append-only")
}

func TestLedger_EntryReversedOnlyOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := seed(t, s)
	ref := e.ID
	reverse := func(id generic.EntryID) error {
		return s.WithTx(ctx, func(tx generic.Tx) error {
			return tx.AppendLedgerEntry(ctx, generic.LedgerEntry{
				ID: id, TenantID: "t1", ItemID: "malt", Quantity: e.Quantity.Neg(),
				Type: generic.EntryReversal, ReversesID: &ref, CreatedAt: t0,
			})
		})
	}

	require.NoError(t, reverse("r-1"))
	err := reverse("r-2")

	assert.True(t, generic.IsRetryable(err), "second reversal must conflict, got %v", err)
	it, err := s.GetItem(ctx, "t1", "malt")
	require.NoError(t, err)
	assert.True(t, it.CachedBalance.IsZero(), "balance moved once, got %s", it.CachedBalance)
}

func TestWithTx_RollbackLeavesNoTrace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s)

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.AppendLedgerEntry(ctx, generic.LedgerEntry{
			ID: "e-2", TenantID: "t1", ItemID: "malt", Quantity: decimal.NewFromInt(-40),
			Type: generic.EntryConsumption, CreatedAt: t0,
		}); err != nil {
			return err
		}
		return generic.Invalid("volume", "late validation failure")
	})
	require.Error(t, err)

	it, err := s.GetItem(ctx, "t1", "malt")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(it.CachedBalance))
	entries, err := s.ListLedgerEntries(ctx, "t1", generic.LedgerFilter{ItemID: "malt"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOccupation_ClosesOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.InsertVessel(ctx, generic.Vessel{
			ID: "fv-1", TenantID: "t1", Name: "FV-1", Type: generic.VesselFermenter,
			Capacity: decimal.NewFromInt(1000), Status: generic.VesselAvailable, CreatedAt: t0, UpdatedAt: t0,
		}); err != nil {
			return err
		}
		return tx.InsertOccupation(ctx, generic.Occupation{
			ID: "o-1", TenantID: "t1", VesselID: "fv-1", BatchID: "b-1", Phase: generic.PhaseBrewing, StartedAt: t0,
		})
	})
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error {
		return tx.CloseOccupation(ctx, "t1", "o-1", t0.Add(time.Hour))
	}))

	_, err = s.db.Exec(`UPDATE vessel_occupations SET ended_at = ? WHERE id = 'o-1'`, t0.Add(2*time.Hour))
	assert.Error(t, err, "closed occupation is immutable")
	_, err = s.db.Exec(`DELETE FROM vessel_occupations WHERE id = 'o-1'`)
	assert.Error(t, err)

	occ, err := s.ListOccupations(ctx, "t1", "fv-1")
	require.NoError(t, err)
	require.Len(t, occ, 1)
	require.NotNil(t, occ[0].EndedAt)
	assert.True(t, occ[0].EndedAt.Equal(t0.Add(time.Hour)))
}

func TestVessel_OccupiedRequiresBatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		return tx.InsertVessel(ctx, generic.Vessel{
			ID: "fv-1", TenantID: "t1", Name: "FV-1", Type: generic.VesselFermenter,
			Capacity: decimal.NewFromInt(1000), Status: generic.VesselOccupied, CreatedAt: t0, UpdatedAt: t0,
		})
	})

	assert.Error(t, err)
}

func TestNextBatchSequence_PerTenantAndYear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	next := func(tenant generic.TenantID, year int) int {
		var n int
		require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error {
			var err error
			n, err = tx.NextBatchSequence(ctx, tenant, year)
			return err
		}))
		return n
	}

	assert.Equal(t, 1, next("t1", 2026))
	assert.Equal(t, 2, next("t1", 2026))
	assert.Equal(t, 1, next("t2", 2026))
	assert.Equal(t, 1, next("t1", 2027))
}

func TestRecipe_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s)
	item := generic.ItemID("malt")
	og := decimal.RequireFromString("1.050")
	r := generic.Recipe{
		ID: "pale", TenantID: "t1", Name: "Pale", BatchSize: decimal.NewFromInt(500), TargetOG: &og,
		Ingredients: []generic.RecipeIngredient{
			{InventoryItemID: &item, Name: "Malt", Amount: decimal.NewFromInt(100), Unit: generic.UnitKilograms},
			{Name: "Water", Amount: decimal.NewFromInt(550), Unit: generic.UnitLiters},
		},
	}

	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error { return tx.SaveRecipe(ctx, r) }))
	r.Name = "Pale v2"
	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error { return tx.SaveRecipe(ctx, r) }))

	got, err := s.GetRecipe(ctx, "t1", "pale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Pale v2", got.Name)
	require.Len(t, got.Ingredients, 2)
	require.NotNil(t, got.Ingredients[0].InventoryItemID)
	assert.Nil(t, got.Ingredients[1].InventoryItemID)

	missing, err := s.GetRecipe(ctx, "t2", "pale")
	require.NoError(t, err)
	assert.Nil(t, missing, "recipes are tenant scoped")
}
