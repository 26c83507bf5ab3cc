/*
Package generic provides the core production-batch transaction engine.

PURPOSE:
  This package holds the data model and the resource machinery shared by
  every orchestrator: the inventory ledger with its cached balance, the
  vessel registry, the idempotency guard and the timeline recorder. The
  brewing package drives batches through their lifecycle on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Principal: tenant + user identity carried by every call
  - InventoryItem / LedgerEntry: stock and its append-only movement log
  - Vessel / Occupation: physical tanks and their occupancy history
  - Batch / BatchIngredient / TimelineEvent / GravityReading / PackagingRun
  - Recipe: inbound recipe lookup shape (external collaborator)

DESIGN PRINCIPLES:
  1. Immutability: ledger entries, occupations, timeline events and readings
     are never edited; corrections are forward entries
  2. Precision: all quantities use decimal.Decimal
  3. Type Safety: distinct ID types prevent mixing items, vessels and batches
  4. Tenancy: every entity carries its TenantID

SEE ALSO:
  - ledger.go: Ledger operations and the cached balance
  - vessel.go: Vessel registry
  - store.go: Persistence and unit-of-work interfaces
*/
package generic

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type ItemID string
type EntryID string
type VesselID string
type BatchID string
type RecipeID string

// Principal identifies who is calling. All entities are tenant-scoped.
type Principal struct {
	TenantID TenantID
	UserID   string
}

// Validate rejects a principal without tenant or user.
func (p Principal) Validate() error {
	if p.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}
	if p.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "user is required"}
	}
	return nil
}

// =============================================================================
// INVENTORY
// =============================================================================

type Unit string

const (
	UnitKilograms Unit = "kg"
	UnitGrams     Unit = "g"
	UnitLiters    Unit = "L"
	UnitEach      Unit = "each"
)

// InventoryItem is a stocked material. CachedBalance always equals the sum of
// the item's ledger quantities and is only moved by Tx.AppendLedgerEntry.
type InventoryItem struct {
	ID            ItemID
	TenantID      TenantID
	SKU           string
	Name          string
	Category      string
	Unit          Unit
	CachedBalance decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position is the display-only stock view. It may be stale.
type Position struct {
	ItemID    ItemID
	SKU       string
	Unit      Unit
	OnHand    decimal.Decimal
	Available decimal.Decimal
}

type EntryType string

const (
	EntryPurchase    EntryType = "PURCHASE"
	EntryConsumption EntryType = "CONSUMPTION"
	EntryProduction  EntryType = "PRODUCTION"
	EntryReversal    EntryType = "REVERSAL"
	EntryAdjustment  EntryType = "ADJUSTMENT"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryPurchase, EntryConsumption, EntryProduction, EntryReversal, EntryAdjustment:
		return true
	}
	return false
}

// LedgerEntry is an immutable signed inventory movement.
type LedgerEntry struct {
	ID       EntryID
	TenantID TenantID
	ItemID   ItemID
	Quantity decimal.Decimal
	Type     EntryType
	BatchID  *BatchID
	// ReversesID points at the entry a REVERSAL offsets.
	ReversesID *EntryID
	Note       string
	Actor      string
	CreatedAt  time.Time
}

// LedgerFilter selects ledger entries. Zero fields match everything.
type LedgerFilter struct {
	ItemID  ItemID
	BatchID BatchID
	Types   []EntryType
	Limit   int
}

// =============================================================================
// VESSELS
// =============================================================================

type VesselType string

const (
	VesselBrewhouse VesselType = "BREWHOUSE"
	VesselFermenter VesselType = "FERMENTER"
	VesselBrite     VesselType = "BRITE"
	VesselUnitank   VesselType = "UNITANK"
)

type VesselStatus string

const (
	VesselAvailable    VesselStatus = "AVAILABLE"
	VesselOccupied     VesselStatus = "OCCUPIED"
	VesselCleaning     VesselStatus = "CLEANING"
	VesselMaintenance  VesselStatus = "MAINTENANCE"
	VesselOutOfService VesselStatus = "OUT_OF_SERVICE"
)

func (s VesselStatus) Valid() bool {
	switch s {
	case VesselAvailable, VesselOccupied, VesselCleaning, VesselMaintenance, VesselOutOfService:
		return true
	}
	return false
}

// Vessel is a physical tank. CurrentBatchID is non-nil exactly when
// Status is OCCUPIED. There is no version counter: exclusivity comes from
// row locks held for the short lifetime of a serializable transaction.
type Vessel struct {
	ID             VesselID
	TenantID       TenantID
	Name           string
	Type           VesselType
	Capacity       decimal.Decimal // liters
	Status         VesselStatus
	CurrentBatchID *BatchID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Phase string

const (
	PhaseBrewing      Phase = "BREWING"
	PhaseFermentation Phase = "FERMENTATION"
	PhaseConditioning Phase = "CONDITIONING"
)

// Occupation is an append-only record of a vessel held by a batch.
// Ending it sets EndedAt; rows are never deleted.
type Occupation struct {
	ID        string
	TenantID  TenantID
	VesselID  VesselID
	BatchID   BatchID
	Phase     Phase
	StartedAt time.Time
	EndedAt   *time.Time
}

// VesselFilter selects vessels for display.
type VesselFilter struct {
	Status      VesselStatus
	Type        VesselType
	MinCapacity *decimal.Decimal
}

// =============================================================================
// BATCHES
// =============================================================================

type BatchStatus string

const (
	StatusPlanned      BatchStatus = "PLANNED"
	StatusBrewing      BatchStatus = "BREWING"
	StatusFermenting   BatchStatus = "FERMENTING"
	StatusConditioning BatchStatus = "CONDITIONING"
	StatusReady        BatchStatus = "READY"
	StatusPackaging    BatchStatus = "PACKAGING"
	StatusCompleted    BatchStatus = "COMPLETED"
	StatusCancelled    BatchStatus = "CANCELLED"
)

func (s BatchStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusBrewing, StatusFermenting, StatusConditioning,
		StatusReady, StatusPackaging, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Batch is a production batch. It is created once and never deleted;
// cancellation is a terminal status.
type Batch struct {
	ID          BatchID
	TenantID    TenantID
	BatchNumber string
	RecipeID    RecipeID
	RecipeName  string
	VesselID    *VesselID
	Volume      decimal.Decimal // liters
	Status      BatchStatus
	PlannedDate *time.Time
	Notes       string

	TargetOG        *decimal.Decimal
	OriginalGravity *decimal.Decimal
	FinalGravity    *decimal.Decimal
	CurrentGravity  *decimal.Decimal
	ABV             *decimal.Decimal

	BrewedAt              *time.Time
	FermentationStartedAt *time.Time
	ConditioningStartedAt *time.Time
	ReadyAt               *time.Time
	PackagingStartedAt    *time.Time
	CompletedAt           *time.Time
	CancelledAt           *time.Time
	CancelReason          string

	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchFilter selects batches for listing.
type BatchFilter struct {
	Status   BatchStatus
	RecipeID RecipeID
	VesselID VesselID
	Limit    int
	Offset   int
}

// BatchIngredient is the immutable recipe snapshot taken at creation.
type BatchIngredient struct {
	ID            string
	TenantID      TenantID
	BatchID       BatchID
	ItemID        *ItemID
	Name          string
	Category      string
	PlannedAmount decimal.Decimal
	Unit          Unit
}

type EventType string

const (
	EventCreated             EventType = "CREATED"
	EventBrewingStarted      EventType = "BREWING_STARTED"
	EventFermentationStarted EventType = "FERMENTATION_STARTED"
	EventConditioningStarted EventType = "CONDITIONING_STARTED"
	EventVesselTransferred   EventType = "VESSEL_TRANSFERRED"
	EventReady               EventType = "READY"
	EventGravityReading      EventType = "GRAVITY_READING"
	EventPackaged            EventType = "PACKAGED"
	EventCompleted           EventType = "COMPLETED"
	EventCancelled           EventType = "CANCELLED"
)

// TimelineEvent is an append-only audit record for a batch.
type TimelineEvent struct {
	ID          string
	TenantID    TenantID
	BatchID     BatchID
	Type        EventType
	Title       string
	Description string
	Data        json.RawMessage
	Actor       string
	CreatedAt   time.Time
}

// GravityReading is an immutable hydrometer/refractometer sample.
type GravityReading struct {
	ID          string
	TenantID    TenantID
	BatchID     BatchID
	Gravity     decimal.Decimal
	Temperature decimal.Decimal // celsius
	Notes       string
	Actor       string
	RecordedAt  time.Time
}

// PackagingRun records one packaging operation against a batch.
type PackagingRun struct {
	ID            string
	TenantID      TenantID
	BatchID       BatchID
	PackageType   string
	Quantity      int64
	VolumePerUnit decimal.Decimal
	TotalVolume   decimal.Decimal
	LotNumber     string
	ProductItemID ItemID
	Actor         string
	CreatedAt     time.Time
}

// PackageSpec resolves a package type to its fill volume and the
// packaging-material SKUs consumed once per unit.
type PackageSpec struct {
	Type          string
	VolumePerUnit decimal.Decimal // liters
	MaterialSKUs  []string
}

// =============================================================================
// RECIPES - inbound lookup shape; recipes are owned by the catalog service
// =============================================================================

type RecipeIngredient struct {
	InventoryItemID *ItemID
	Name            string
	Category        string
	Amount          decimal.Decimal
	Unit            Unit
}

type Recipe struct {
	ID          RecipeID
	TenantID    TenantID
	Name        string
	BatchSize   decimal.Decimal // liters
	TargetOG    *decimal.Decimal
	Ingredients []RecipeIngredient
}
