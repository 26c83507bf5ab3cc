/*
idempotency.go - Exactly-once wrapper around mutating operations

PURPOSE:
  A caller-supplied key, scoped by tenant, guarantees that a mutating
  operation executes at most once. Retries with the same key observe the
  stored result of the first execution.

PROTOCOL (write-after-commit):
  1. Reserve: atomically create a PENDING record for (tenant, key). The
     fast store does this with a set-if-absent, so concurrent callers
     sharing a never-seen key race on one reservation and exactly one wins.
  2. The winner runs the operation (its own serializable transaction).
  3. On success the winner stores the payload and flips the record to
     COMPLETE; on failure it deletes the reservation so a retry can run.
  4. Losers poll until the record is COMPLETE and replay its payload, or
     until it disappears and they may reserve again.

RACE WINDOW:
  The fast store is separate from the primary store. A crash between
  commit and Complete leaves a PENDING record that expires with the TTL.
  Batch creation closes this window by also persisting the key on the
  batch row and replaying from there inside its transaction.

FINGERPRINT:
  A key reused with a different request body is a client error
  (ValidationError), never a silent replay of someone else's result.

SEE ALSO:
  - generic/store/memory.go: in-process FastStore
  - store/redis: Redis FastStore (SET NX + TTL)
*/
package generic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type IdempotencyStatus string

const (
	IdempotencyPending  IdempotencyStatus = "PENDING"
	IdempotencyComplete IdempotencyStatus = "COMPLETE"
)

// IdempotencyRecord is the stored outcome for one (tenant, key).
type IdempotencyRecord struct {
	TenantID    TenantID          `json:"tenant_id"`
	Key         string            `json:"key"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// FastStore holds idempotency records outside the primary store.
type FastStore interface {
	// Reserve creates rec if no live record exists for its (tenant, key).
	// When one exists it is returned with reserved == false.
	Reserve(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) (existing *IdempotencyRecord, reserved bool, err error)
	Get(ctx context.Context, tenant TenantID, key string) (*IdempotencyRecord, error)
	// Complete overwrites the record with its final payload.
	Complete(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error
	Release(ctx context.Context, tenant TenantID, key string) error
}

const (
	DefaultIdempotencyTTL  = 24 * time.Hour
	DefaultIdempotencyWait = 10 * time.Second
	idempotencyPoll        = 50 * time.Millisecond
	maxKeyLength           = 255
)

// =============================================================================
// GUARD
// =============================================================================

// Guard deduplicates mutating operations by key.
type Guard struct {
	Store FastStore
	TTL   time.Duration
	// Wait bounds how long a caller polls a PENDING record held by another.
	Wait   time.Duration
	Clock  Clock
	Logger zerolog.Logger
}

func NewGuard(store FastStore, ttl, wait time.Duration, clock Clock, log zerolog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if wait <= 0 {
		wait = DefaultIdempotencyWait
	}
	return &Guard{Store: store, TTL: ttl, Wait: wait, Clock: clock, Logger: log}
}

// Fingerprint hashes the canonical JSON of a request.
func Fingerprint(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Execute runs fn at most once per (tenant, key). replayed reports whether
// the result came from an earlier execution. An empty key, or a nil guard,
// runs fn directly.
func Execute[T any](ctx context.Context, g *Guard, tenant TenantID, key string, request any, fn func(context.Context) (T, error)) (result T, replayed bool, err error) {
	if key == "" || g == nil || g.Store == nil {
		result, err = fn(ctx)
		return result, false, err
	}
	if len(key) > maxKeyLength {
		return result, false, Invalid("idempotency_key", "longer than %d characters", maxKeyLength)
	}
	fp, err := Fingerprint(request)
	if err != nil {
		return result, false, err
	}

	deadline := g.Clock.now().Add(g.Wait)
	for {
		rec := IdempotencyRecord{
			TenantID:    tenant,
			Key:         key,
			Fingerprint: fp,
			Status:      IdempotencyPending,
			ExpiresAt:   g.Clock.now().Add(g.TTL),
		}
		existing, reserved, err := g.Store.Reserve(ctx, rec, g.TTL)
		if err != nil {
			return result, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			return runReserved(ctx, g, rec, fn)
		}
		if existing == nil {
			continue
		}

		if existing.Fingerprint != fp {
			return result, false, Invalid("idempotency_key", "key %q was used with a different request", key)
		}
		if existing.Status == IdempotencyComplete {
			if err := json.Unmarshal(existing.Payload, &result); err != nil {
				return result, false, fmt.Errorf("decode idempotent payload: %w", err)
			}
			return result, true, nil
		}

		// PENDING under another caller: wait for it to complete or release.
		if !g.Clock.now().Before(deadline) {
			return result, false, &ConflictError{Op: "idempotency " + key, Err: errors.New("request still in flight")}
		}
		select {
		case <-ctx.Done():
			return result, false, &ConflictError{Op: "idempotency " + key, Err: ctx.Err()}
		case <-time.After(idempotencyPoll):
		}
	}
}

func runReserved[T any](ctx context.Context, g *Guard, rec IdempotencyRecord, fn func(context.Context) (T, error)) (T, bool, error) {
	result, err := fn(ctx)
	// Bookkeeping must finish even if the caller's context is gone.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if relErr := g.Store.Release(bg, rec.TenantID, rec.Key); relErr != nil {
			g.Logger.Warn().Err(relErr).Str("key", rec.Key).Msg("release idempotency reservation")
		}
		return result, false, err
	}

	payload, mErr := json.Marshal(result)
	if mErr != nil {
		return result, false, fmt.Errorf("encode idempotent payload: %w", mErr)
	}
	rec.Status = IdempotencyComplete
	rec.Payload = payload
	rec.ExpiresAt = g.Clock.now().Add(g.TTL)
	if cErr := g.Store.Complete(bg, rec, g.TTL); cErr != nil {
		// The operation committed; only the fast-path replay is lost.
		g.Logger.Error().Err(cErr).Str("key", rec.Key).Str("tenant", string(rec.TenantID)).Msg("store idempotency record")
	}
	return result, false, nil
}
