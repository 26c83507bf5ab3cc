package generic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

func seedItem(t *testing.T, s generic.Store, l *generic.Ledger, id generic.ItemID, sku string, quantities ...string) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx generic.Tx) error {
		if err := tx.InsertItem(ctx, generic.InventoryItem{
			ID: id, TenantID: "t1", SKU: sku, Name: sku, Unit: generic.UnitKilograms,
			CreatedAt: testClock(), UpdatedAt: testClock(),
		}); err != nil {
			return err
		}
		for _, q := range quantities {
			if _, err := l.Append(ctx, tx, generic.LedgerEntry{
				TenantID: "t1", ItemID: id, Quantity: qty(q), Type: generic.EntryPurchase, Actor: "test",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAppend_MovesCachedBalance(t *testing.T) {
	// GIVEN: An item with two purchases
	s := newTestStore(t)
	l := generic.NewLedger(testClock)
	ctx := context.Background()
	seedItem(t, s, l, "malt", "MALT", "100", "50")

	// WHEN: Consuming and reversing the consumption
	var consumed generic.LedgerEntry
	err := s.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		consumed, err = l.Append(ctx, tx, generic.LedgerEntry{
			TenantID: "t1", ItemID: "malt", Quantity: qty("-30"), Type: generic.EntryConsumption, Actor: "test",
		})
		return err
	})
	require.NoError(t, err)
	pos, err := generic.GetPosition(ctx, s, "t1", "malt")
	require.NoError(t, err)
	assert.True(t, qty("120").Equal(pos.OnHand), "got %s", pos.OnHand)

	err = s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := l.Reverse(ctx, tx, consumed, "test", "wrong batch")
		return err
	})
	require.NoError(t, err)

	// THEN: The cache and the recompute agree
	check, err := generic.VerifyBalance(ctx, s, "t1", "malt")
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.True(t, qty("150").Equal(check.Cached))
	assert.Equal(t, 4, check.Entries)
	assert.True(t, check.Drift().IsZero())
}

func TestReverse_RejectsReversalOfReversal(t *testing.T) {
	s := newTestStore(t)
	l := generic.NewLedger(testClock)
	ctx := context.Background()
	seedItem(t, s, l, "malt", "MALT", "10")

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		e, err := l.Append(ctx, tx, generic.LedgerEntry{
			TenantID: "t1", ItemID: "malt", Quantity: qty("-1"), Type: generic.EntryConsumption,
		})
		if err != nil {
			return err
		}
		rev, err := l.Reverse(ctx, tx, e, "test", "undo")
		if err != nil {
			return err
		}
		_, err = l.Reverse(ctx, tx, rev, "test", "redo")
		return err
	})

	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
	pos, err := generic.GetPosition(ctx, s, "t1", "malt")
	require.NoError(t, err)
	assert.True(t, qty("10").Equal(pos.OnHand), "whole transaction rolled back")
}

func TestLockForUpdate_MissingItem(t *testing.T) {
	s := newTestStore(t)
	l := generic.NewLedger(testClock)
	seedItem(t, s, l, "malt", "MALT", "10")

	err := s.WithTx(context.Background(), func(tx generic.Tx) error {
		_, err := l.LockForUpdate(context.Background(), tx, "t1", []generic.ItemID{"malt", "ghost"})
		return err
	})

	assert.True(t, generic.IsNotFound(err))
}

func TestProject_AdvisoryLines(t *testing.T) {
	s := newTestStore(t)
	l := generic.NewLedger(testClock)
	seedItem(t, s, l, "hops", "HOPS", "2")
	seedItem(t, s, l, "malt", "MALT", "100")

	proj, err := generic.Project(context.Background(), s, "t1", []generic.Requirement{
		{ItemID: "malt", Quantity: qty("60")},
		{ItemID: "hops", Quantity: qty("3")},
		{ItemID: "malt", Quantity: qty("20")},
	})
	require.NoError(t, err)

	require.Len(t, proj.Lines, 2)
	assert.Equal(t, generic.ItemID("hops"), proj.Lines[0].ItemID)
	assert.True(t, proj.Lines[0].Short())
	assert.True(t, qty("20").Equal(proj.Lines[1].Remaining), "malt lines are summed")
	assert.False(t, proj.Feasible())
	require.Len(t, proj.Shortfalls(), 1)
	assert.Equal(t, "HOPS", proj.Shortfalls()[0].SKU)

	_, err = generic.Project(context.Background(), s, "t1", []generic.Requirement{{ItemID: "ghost", Quantity: qty("1")}})
	assert.True(t, generic.IsNotFound(err))
}
