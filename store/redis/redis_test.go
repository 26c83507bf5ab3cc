package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

func newTestStore(t *testing.T) *Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func uniqueKey(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestReserve_SecondCallerSeesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := uniqueKey(t)
	t.Cleanup(func() { s.Release(ctx, "t1", key) })

	rec := generic.IdempotencyRecord{TenantID: "t1", Key: key, Fingerprint: "fp", Status: generic.IdempotencyPending}

	existing, reserved, err := s.Reserve(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	existing, reserved, err = s.Reserve(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, generic.IdempotencyPending, existing.Status)
}

func TestReserve_ScopedByTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := uniqueKey(t)
	t.Cleanup(func() {
		s.Release(ctx, "t1", key)
		s.Release(ctx, "t2", key)
	})

	_, reserved, err := s.Reserve(ctx, generic.IdempotencyRecord{TenantID: "t1", Key: key}, time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	_, reserved, err = s.Reserve(ctx, generic.IdempotencyRecord{TenantID: "t2", Key: key}, time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestCompleteAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := uniqueKey(t)

	rec := generic.IdempotencyRecord{TenantID: "t1", Key: key, Fingerprint: "fp", Status: generic.IdempotencyPending}
	_, _, err := s.Reserve(ctx, rec, time.Minute)
	require.NoError(t, err)

	rec.Status = generic.IdempotencyComplete
	rec.Payload = []byte(`{"id":"b1"}`)
	require.NoError(t, s.Complete(ctx, rec, time.Minute))

	got, err := s.Get(ctx, "t1", key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, generic.IdempotencyComplete, got.Status)
	assert.JSONEq(t, `{"id":"b1"}`, string(got.Payload))

	require.NoError(t, s.Release(ctx, "t1", key))
	got, err = s.Get(ctx, "t1", key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGuard_ConcurrentSameKeyRunsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := uniqueKey(t)
	t.Cleanup(func() { s.Release(ctx, "t1", key) })

	guard := generic.NewGuard(s, time.Minute, 5*time.Second, generic.SystemClock, zerolog.Nop())

	var runs atomic.Int32
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _, err := generic.Execute(ctx, guard, "t1", key, "same-request", func(context.Context) (string, error) {
				runs.Add(1)
				time.Sleep(100 * time.Millisecond)
				return "batch-1", nil
			})
			if err == nil {
				results[i] = out
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, r := range results {
		assert.Equal(t, "batch-1", r)
	}
}
