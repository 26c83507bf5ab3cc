package generic_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/generic/store"
)

type payload struct {
	N int `json:"n"`
}

func newGuard() (*generic.Guard, *store.Memory) {
	mem := store.NewMemory()
	return generic.NewGuard(mem, time.Hour, 2*time.Second, generic.SystemClock, zerolog.Nop()), mem
}

func TestExecute_ReplaysStoredResult(t *testing.T) {
	// GIVEN: A guard and an operation that counts its runs
	g, _ := newGuard()
	ctx := context.Background()
	var runs int32
	op := func(context.Context) (payload, error) {
		n := atomic.AddInt32(&runs, 1)
		return payload{N: int(n)}, nil
	}

	// WHEN: Executing twice with one key
	first, replayed1, err := generic.Execute(ctx, g, "t1", "k1", map[string]int{"q": 1}, op)
	require.NoError(t, err)
	second, replayed2, err := generic.Execute(ctx, g, "t1", "k1", map[string]int{"q": 1}, op)
	require.NoError(t, err)

	// THEN: The operation ran once and the retry saw its result
	assert.False(t, replayed1)
	assert.True(t, replayed2)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestExecute_KeysAreTenantScoped(t *testing.T) {
	g, _ := newGuard()
	ctx := context.Background()
	var runs int32
	op := func(context.Context) (payload, error) {
		atomic.AddInt32(&runs, 1)
		return payload{}, nil
	}

	_, _, err := generic.Execute(ctx, g, "t1", "same", "req", op)
	require.NoError(t, err)
	_, replayed, err := generic.Execute(ctx, g, "t2", "same", "req", op)
	require.NoError(t, err)

	assert.False(t, replayed)
	assert.EqualValues(t, 2, runs)
}

func TestExecute_DifferentRequestSameKey(t *testing.T) {
	g, _ := newGuard()
	ctx := context.Background()
	op := func(context.Context) (payload, error) { return payload{N: 1}, nil }

	_, _, err := generic.Execute(ctx, g, "t1", "k1", "first body", op)
	require.NoError(t, err)
	_, _, err = generic.Execute(ctx, g, "t1", "k1", "second body", op)

	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
}

func TestExecute_FailureReleasesReservation(t *testing.T) {
	g, mem := newGuard()
	ctx := context.Background()

	_, _, err := generic.Execute(ctx, g, "t1", "k1", "req", func(context.Context) (payload, error) {
		return payload{}, generic.Invalid("volume", "must be positive")
	})
	require.Error(t, err)
	assert.Equal(t, 0, mem.Len(), "failed run leaves no record")

	got, replayed, err := generic.Execute(ctx, g, "t1", "k1", "req", func(context.Context) (payload, error) {
		return payload{N: 7}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, got.N)
}

func TestExecute_ConcurrentCallersRunOnce(t *testing.T) {
	g, _ := newGuard()
	ctx := context.Background()
	var runs int32
	op := func(context.Context) (payload, error) {
		atomic.AddInt32(&runs, 1)
		time.Sleep(20 * time.Millisecond)
		return payload{N: 42}, nil
	}

	var wg sync.WaitGroup
	results := make([]payload, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = generic.Execute(ctx, g, "t1", "shared", "req", op)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i].N)
	}
}

func TestExecute_NoKeyRunsDirectly(t *testing.T) {
	g, mem := newGuard()
	var runs int
	op := func(context.Context) (payload, error) { runs++; return payload{}, nil }

	for i := 0; i < 2; i++ {
		_, replayed, err := generic.Execute(context.Background(), g, "t1", "", "req", op)
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	_, _, err := generic.Execute[payload](context.Background(), nil, "t1", "k", "req", op)
	require.NoError(t, err)

	assert.Equal(t, 3, runs)
	assert.Equal(t, 0, mem.Len())
}

func TestExecute_KeyTooLong(t *testing.T) {
	g, _ := newGuard()

	_, _, err := generic.Execute(context.Background(), g, "t1", strings.Repeat("k", 256), "req",
		func(context.Context) (payload, error) { return payload{}, errors.New("must not run") })

	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
}

func TestMemory_RecordsExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := store.NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	_, reserved, err := mem.Reserve(ctx, generic.IdempotencyRecord{TenantID: "t1", Key: "k"}, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)

	_, reserved, err = mem.Reserve(ctx, generic.IdempotencyRecord{TenantID: "t1", Key: "k"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved, "live record blocks a second reservation")

	now = now.Add(2 * time.Minute)
	rec, err := mem.Get(ctx, "t1", "k")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired")
}
