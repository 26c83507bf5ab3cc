// Package store provides in-process implementations of engine side stores.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/batch-engine/generic"
)

// =============================================================================
// MEMORY IDEMPOTENCY STORE - In-memory FastStore (for testing/dev)
// =============================================================================

// Memory is a single-process FastStore. Records expire lazily on access.
type Memory struct {
	mu      sync.Mutex
	records map[key]generic.IdempotencyRecord
	clock   generic.Clock
}

type key struct {
	TenantID generic.TenantID
	Key      string
}

func NewMemory() *Memory {
	return NewMemoryWithClock(nil)
}

func NewMemoryWithClock(clock generic.Clock) *Memory {
	return &Memory{
		records: make(map[key]generic.IdempotencyRecord),
		clock:   clock,
	}
}

func (m *Memory) now() time.Time {
	if m.clock == nil {
		return generic.SystemClock()
	}
	return m.clock()
}

// liveLocked returns the record for k unless it has expired.
func (m *Memory) liveLocked(k key) (generic.IdempotencyRecord, bool) {
	rec, ok := m.records[k]
	if !ok {
		return rec, false
	}
	if !m.now().Before(rec.ExpiresAt) {
		delete(m.records, k)
		return rec, false
	}
	return rec, true
}

// Reserve stores rec unless a live record exists. Check and insert happen
// under one lock, so exactly one concurrent caller reserves a key.
func (m *Memory) Reserve(_ context.Context, rec generic.IdempotencyRecord, ttl time.Duration) (*generic.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{TenantID: rec.TenantID, Key: rec.Key}
	if existing, ok := m.liveLocked(k); ok {
		return &existing, false, nil
	}
	rec.ExpiresAt = m.now().Add(ttl)
	m.records[k] = rec
	return nil, true, nil
}

func (m *Memory) Get(_ context.Context, tenant generic.TenantID, k string) (*generic.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(key{TenantID: tenant, Key: k})
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) Complete(_ context.Context, rec generic.IdempotencyRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ExpiresAt = m.now().Add(ttl)
	m.records[key{TenantID: rec.TenantID, Key: rec.Key}] = rec
	return nil
}

func (m *Memory) Release(_ context.Context, tenant generic.TenantID, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key{TenantID: tenant, Key: k})
	return nil
}

// Len reports the number of live records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.records {
		if _, ok := m.liveLocked(k); ok {
			n++
		}
	}
	return n
}

var _ generic.FastStore = (*Memory)(nil)
