// Package redis stores idempotency records in Redis.
//
// Each (tenant, key) maps to one string key holding the JSON record.
// Reserve is SET NX with the record TTL, so concurrent reservations of a
// never-seen key resolve to exactly one winner on the Redis side.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/batch-engine/generic"
)

const keyPrefix = "idem:"

// Store implements generic.FastStore.
type Store struct {
	client redis.UniversalClient
}

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func recordKey(tenant generic.TenantID, key string) string {
	return keyPrefix + string(tenant) + ":" + key
}

func (s *Store) Reserve(ctx context.Context, rec generic.IdempotencyRecord, ttl time.Duration) (*generic.IdempotencyRecord, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode idempotency record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recordKey(rec.TenantID, rec.Key), raw, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}
	// Lost the race; the holder may have released or expired since.
	existing, err := s.Get(ctx, rec.TenantID, rec.Key)
	return existing, false, err
}

func (s *Store) Get(ctx context.Context, tenant generic.TenantID, key string) (*generic.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(tenant, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec generic.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Complete(ctx context.Context, rec generic.IdempotencyRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	return s.client.Set(ctx, recordKey(rec.TenantID, rec.Key), raw, ttl).Err()
}

func (s *Store) Release(ctx context.Context, tenant generic.TenantID, key string) error {
	return s.client.Del(ctx, recordKey(tenant, key)).Err()
}

var _ generic.FastStore = (*Store)(nil)
