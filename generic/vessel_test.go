package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testClock() time.Time {
	return time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)
}

func registerVessel(t *testing.T, s generic.Store, reg *generic.Registry, name, capacity string) generic.Vessel {
	t.Helper()
	var v generic.Vessel
	err := s.WithTx(context.Background(), func(tx generic.Tx) error {
		var err error
		v, err = reg.Register(context.Background(), tx, generic.Vessel{
			TenantID: "t1", Name: name, Type: generic.VesselFermenter, Capacity: qty(capacity),
		})
		return err
	})
	require.NoError(t, err)
	return v
}

// =============================================================================
// OCCUPANCY
// =============================================================================

func TestRegistry_AcquireAndRelease(t *testing.T) {
	// GIVEN: One available fermenter
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)
	ctx := context.Background()
	v := registerVessel(t, s, reg, "FV-1", "1000")

	// WHEN: A batch acquires it
	err := s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := reg.Acquire(ctx, tx, "t1", v.ID, "batch-1", generic.PhaseBrewing)
		return err
	})
	require.NoError(t, err)

	// THEN: A second batch is refused
	err = s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := reg.Acquire(ctx, tx, "t1", v.ID, "batch-2", generic.PhaseBrewing)
		return err
	})
	var busy *generic.TankUnavailableError
	require.ErrorAs(t, err, &busy)
	require.NotNil(t, busy.CurrentBatchID)
	assert.Equal(t, generic.BatchID("batch-1"), *busy.CurrentBatchID)

	// WHEN: batch-1 releases to cleaning
	err = s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := reg.Release(ctx, tx, "t1", v.ID, "batch-1", generic.VesselCleaning)
		return err
	})
	require.NoError(t, err)

	got, err := s.GetVessel(ctx, "t1", v.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.VesselCleaning, got.Status)
	assert.Nil(t, got.CurrentBatchID)

	occ, err := s.ListOccupations(ctx, "t1", v.ID)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	require.NotNil(t, occ[0].EndedAt)
	open, err := s.GetOpenOccupation(ctx, "t1", v.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestRegistry_ReleaseByNonHolderFails(t *testing.T) {
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)
	ctx := context.Background()
	v := registerVessel(t, s, reg, "FV-1", "1000")
	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := reg.Acquire(ctx, tx, "t1", v.ID, "batch-1", generic.PhaseBrewing)
		return err
	}))

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		_, err := reg.Release(ctx, tx, "t1", v.ID, "batch-2", generic.VesselAvailable)
		return err
	})

	assert.ErrorIs(t, err, generic.ErrInternal)
}

func TestRegistry_ChangePhaseKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)
	ctx := context.Background()
	v := registerVessel(t, s, reg, "UT-1", "500")

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		if _, err := reg.Acquire(ctx, tx, "t1", v.ID, "b1", generic.PhaseBrewing); err != nil {
			return err
		}
		if err := reg.ChangePhase(ctx, tx, "t1", v.ID, "b1", generic.PhaseFermentation); err != nil {
			return err
		}
		// Same phase twice is a no-op.
		return reg.ChangePhase(ctx, tx, "t1", v.ID, "b1", generic.PhaseFermentation)
	})
	require.NoError(t, err)

	occ, err := s.ListOccupations(ctx, "t1", v.ID)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, generic.PhaseBrewing, occ[0].Phase)
	assert.NotNil(t, occ[0].EndedAt)
	assert.Equal(t, generic.PhaseFermentation, occ[1].Phase)
	assert.Nil(t, occ[1].EndedAt)
}

func TestRegistry_StatusChanges(t *testing.T) {
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)
	ctx := context.Background()
	v := registerVessel(t, s, reg, "BT-1", "1000")

	tx := func(fn func(generic.Tx) error) error { return s.WithTx(ctx, fn) }

	// MarkClean only applies to a CLEANING vessel.
	err := tx(func(tx generic.Tx) error { _, err := reg.MarkClean(ctx, tx, "t1", v.ID); return err })
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))

	err = tx(func(tx generic.Tx) error { _, err := reg.SetStatus(ctx, tx, "t1", v.ID, generic.VesselMaintenance); return err })
	require.NoError(t, err)

	err = tx(func(tx generic.Tx) error {
		_, err := reg.Acquire(ctx, tx, "t1", v.ID, "b1", generic.PhaseConditioning)
		return err
	})
	assert.Equal(t, generic.KindTankUnavailable, generic.KindOf(err), "maintenance vessel cannot be acquired")

	err = tx(func(tx generic.Tx) error { _, err := reg.SetStatus(ctx, tx, "t1", v.ID, generic.VesselOccupied); return err })
	assert.Equal(t, generic.KindValidation, generic.KindOf(err), "OCCUPIED only via Acquire")

	err = tx(func(tx generic.Tx) error { _, err := reg.SetStatus(ctx, tx, "t1", v.ID, generic.VesselCleaning); return err })
	require.NoError(t, err)
	err = tx(func(tx generic.Tx) error { _, err := reg.MarkClean(ctx, tx, "t1", v.ID); return err })
	require.NoError(t, err)

	avail, err := reg.GetAvailable(ctx, s, "t1", nil, "")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, v.ID, avail[0].ID)
}

func TestRegistry_GetAvailableFiltersCapacity(t *testing.T) {
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)
	registerVessel(t, s, reg, "small", "200")
	big := registerVessel(t, s, reg, "big", "2000")

	minCap := qty("500")
	got, err := reg.GetAvailable(context.Background(), s, "t1", &minCap, generic.VesselFermenter)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, big.ID, got[0].ID)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	s := newTestStore(t)
	reg := generic.NewRegistry(testClock)

	err := s.WithTx(context.Background(), func(tx generic.Tx) error {
		_, err := reg.Register(context.Background(), tx, generic.Vessel{TenantID: "t1", Name: "x", Capacity: qty("0")})
		return err
	})

	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
}

func TestCheckCapacity(t *testing.T) {
	v := generic.Vessel{ID: "v", Capacity: qty("1000")}

	assert.NoError(t, generic.CheckCapacity(v, qty("1000")))
	assert.ErrorIs(t, generic.CheckCapacity(v, qty("1000.1")), generic.ErrTankCapacityExceeded)
}
