package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/store/postgres"
)

// Tests run against DATABASE_URL and skip without it. Each test uses a
// fresh tenant, so reruns against the same database do not collide.

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := postgres.New(context.Background(), url, postgres.WithTxTimeout(5*time.Second), postgres.WithMaxConns(8))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tenant(t *testing.T) generic.TenantID {
	return generic.TenantID(fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()))
}

func TestPostgres_LedgerMovesBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := tenant(t)
	item := generic.ItemID(generic.NewID())
	l := generic.NewLedger(generic.SystemClock)

	err := s.WithTx(ctx, func(tx generic.Tx) error {
		now := time.Now().UTC()
		if err := tx.InsertItem(ctx, generic.InventoryItem{
			ID: item, TenantID: tn, SKU: "MALT", Name: "Malt", Unit: generic.UnitKilograms, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		for _, q := range []string{"100", "-30.5"} {
			typ := generic.EntryPurchase
			if q[0] == '-' {
				typ = generic.EntryConsumption
			}
			if _, err := l.Append(ctx, tx, generic.LedgerEntry{
				TenantID: tn, ItemID: item, Quantity: decimal.RequireFromString(q), Type: typ,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	check, err := generic.VerifyBalance(ctx, s, tn, item)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.True(t, decimal.RequireFromString("69.5").Equal(check.Cached), "got %s", check.Cached)
}

func TestPostgres_ConcurrentAcquireOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := tenant(t)
	reg := generic.NewRegistry(generic.SystemClock)

	var vessel generic.Vessel
	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		vessel, err = reg.Register(ctx, tx, generic.Vessel{
			TenantID: tn, Name: "FV-1", Type: generic.VesselFermenter, Capacity: decimal.NewFromInt(1000),
		})
		return err
	}))

	const callers = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx generic.Tx) error {
				_, err := reg.Acquire(ctx, tx, tn, vessel.ID, generic.BatchID(fmt.Sprintf("b-%d", i)), generic.PhaseBrewing)
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			kind := generic.KindOf(err)
			assert.True(t, kind == generic.KindTankUnavailable || kind == generic.KindConcurrentModification, "got %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	occ, err := s.ListOccupations(ctx, tn, vessel.ID)
	require.NoError(t, err)
	assert.Len(t, occ, 1)
}

func TestPostgres_BatchSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tn := tenant(t)

	var a, b int
	require.NoError(t, s.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		if a, err = tx.NextBatchSequence(ctx, tn, 2026); err != nil {
			return err
		}
		b, err = tx.NextBatchSequence(ctx, tn, 2026)
		return err
	}))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}
