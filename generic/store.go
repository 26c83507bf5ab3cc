/*
store.go - Persistence and unit-of-work interfaces

PURPOSE:
  Defines the boundary between the engine and the primary transactional
  store. Every mutating operation runs inside exactly one WithTx call at
  serializable isolation with a bounded timeout; nothing is visible to
  other callers until fn returns nil and the commit succeeds.

KEY INTERFACES:
  Reader:       Lock-free, tenant-scoped queries (may be stale outside a Tx)
  Tx:           Reads + row locks + append/insert writes bound to one transaction
  Store:        Reader + WithTx
  RecipeSource: Inbound recipe lookup (external collaborator)

APPEND-ONLY CONTRACT:
  Ledger, occupation, timeline, gravity-reading and packaging-run tables
  have insert methods only. The single exception is CloseOccupation, which
  stamps EndedAt on the open row and never deletes it.

CACHED BALANCE:
  There is no method that writes inventory_items.cached_balance directly.
  AppendLedgerEntry inserts the entry and adds its quantity to the balance
  in the same transaction; that is the only balance write path.

LOCK ORDER:
  Multi-lock operations take LockItems (sorted by id) first, then
  LockVessels (sorted by id), then LockBatch. Implementations return
  locked rows in id order.

IMPLEMENTATIONS:
  - store/sqlite:   database/sql + go-sqlite3 (dev/test)
  - store/postgres: pgx, SERIALIZABLE + SELECT ... FOR UPDATE (production)

SEE ALSO:
  - ledger.go: Ledger built on Tx
  - vessel.go: Vessel registry built on Tx
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER - Lock-free queries
// =============================================================================

// Reader is implemented by both the Store (outside any transaction) and Tx.
// Get methods return (nil, nil) when the row does not exist.
type Reader interface {
	GetItem(ctx context.Context, tenant TenantID, id ItemID) (*InventoryItem, error)
	GetItemBySKU(ctx context.Context, tenant TenantID, sku string) (*InventoryItem, error)
	ListItems(ctx context.Context, tenant TenantID) ([]InventoryItem, error)
	ListLedgerEntries(ctx context.Context, tenant TenantID, filter LedgerFilter) ([]LedgerEntry, error)
	SumLedger(ctx context.Context, tenant TenantID, id ItemID) (LedgerSum, error)

	GetVessel(ctx context.Context, tenant TenantID, id VesselID) (*Vessel, error)
	ListVessels(ctx context.Context, tenant TenantID, filter VesselFilter) ([]Vessel, error)
	ListOccupations(ctx context.Context, tenant TenantID, vesselID VesselID) ([]Occupation, error)
	GetOpenOccupation(ctx context.Context, tenant TenantID, vesselID VesselID) (*Occupation, error)

	GetBatch(ctx context.Context, tenant TenantID, id BatchID) (*Batch, error)
	GetBatchByIdempotencyKey(ctx context.Context, tenant TenantID, key string) (*Batch, error)
	ListBatches(ctx context.Context, tenant TenantID, filter BatchFilter) ([]Batch, error)
	ListIngredients(ctx context.Context, tenant TenantID, batchID BatchID) ([]BatchIngredient, error)
	ListTimeline(ctx context.Context, tenant TenantID, batchID BatchID) ([]TimelineEvent, error)
	ListGravityReadings(ctx context.Context, tenant TenantID, batchID BatchID) ([]GravityReading, error)
	ListPackagingRuns(ctx context.Context, tenant TenantID, batchID BatchID) ([]PackagingRun, error)

	GetRecipe(ctx context.Context, tenant TenantID, id RecipeID) (*Recipe, error)
}

// LedgerSum is the full recompute of an item's ledger.
type LedgerSum struct {
	Total   decimal.Decimal
	Entries int
}

// =============================================================================
// TX - One serializable unit of work
// =============================================================================

// Tx is bound to one open transaction. Lock methods take exclusive row
// locks that are held until commit or rollback.
type Tx interface {
	Reader

	// LockItems locks item rows and returns them sorted by id. Missing ids
	// are simply absent from the result.
	LockItems(ctx context.Context, tenant TenantID, ids []ItemID) ([]InventoryItem, error)
	LockVessels(ctx context.Context, tenant TenantID, ids []VesselID) ([]Vessel, error)
	LockBatch(ctx context.Context, tenant TenantID, id BatchID) (*Batch, error)

	InsertItem(ctx context.Context, item InventoryItem) error
	// EnsureItem inserts item unless an item with the same SKU exists and
	// returns the stored row. It takes no lock; callers lock it with LockItems.
	EnsureItem(ctx context.Context, item InventoryItem) (*InventoryItem, error)
	// AppendLedgerEntry inserts e and adds e.Quantity to the item's cached
	// balance. It is the only write path for the balance.
	AppendLedgerEntry(ctx context.Context, e LedgerEntry) error

	InsertVessel(ctx context.Context, v Vessel) error
	UpdateVessel(ctx context.Context, v Vessel) error
	InsertOccupation(ctx context.Context, o Occupation) error
	// CloseOccupation stamps endedAt on an open occupation.
	CloseOccupation(ctx context.Context, tenant TenantID, id string, endedAt time.Time) error

	InsertBatch(ctx context.Context, b Batch) error
	UpdateBatch(ctx context.Context, b Batch) error
	InsertIngredients(ctx context.Context, ings []BatchIngredient) error
	InsertTimelineEvent(ctx context.Context, e TimelineEvent) error
	InsertGravityReading(ctx context.Context, r GravityReading) error
	InsertPackagingRun(ctx context.Context, r PackagingRun) error

	// NextBatchSequence returns the next per-tenant, per-year batch counter.
	NextBatchSequence(ctx context.Context, tenant TenantID, year int) (int, error)

	SaveRecipe(ctx context.Context, r Recipe) error
}

// =============================================================================
// STORE - Primary transactional store
// =============================================================================

// Store is the primary transactional store.
type Store interface {
	Reader

	// WithTx executes fn within one serializable transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// Serialization failures, lock timeouts and deadline expiry surface as
	// ErrConcurrentModification.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// RecipeSource is the inbound recipe lookup.
type RecipeSource interface {
	GetRecipe(ctx context.Context, tenant TenantID, id RecipeID) (*Recipe, error)
}

// DefaultTxTimeout caps lock-hold time when the caller does not configure one.
const DefaultTxTimeout = 5 * time.Second
