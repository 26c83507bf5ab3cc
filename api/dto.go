/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

NUMBERS:
  Quantities, volumes and gravities are decimals. They are rendered as
  JSON strings and accepted as strings or numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/recipe.go: RecipeJSON
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/generic"
)

// =============================================================================
// BATCHES
// =============================================================================

type BatchDTO struct {
	ID                    string           `json:"id"`
	BatchNumber           string           `json:"batch_number"`
	RecipeID              string           `json:"recipe_id"`
	RecipeName            string           `json:"recipe_name,omitempty"`
	VesselID              *string          `json:"vessel_id"`
	Volume                decimal.Decimal  `json:"volume"`
	Status                string           `json:"status"`
	PlannedDate           *time.Time       `json:"planned_date,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
	TargetOG              *decimal.Decimal `json:"target_og,omitempty"`
	OriginalGravity       *decimal.Decimal `json:"original_gravity,omitempty"`
	FinalGravity          *decimal.Decimal `json:"final_gravity,omitempty"`
	CurrentGravity        *decimal.Decimal `json:"current_gravity,omitempty"`
	ABV                   *decimal.Decimal `json:"abv,omitempty"`
	BrewedAt              *time.Time       `json:"brewed_at,omitempty"`
	FermentationStartedAt *time.Time       `json:"fermentation_started_at,omitempty"`
	ConditioningStartedAt *time.Time       `json:"conditioning_started_at,omitempty"`
	ReadyAt               *time.Time       `json:"ready_at,omitempty"`
	PackagingStartedAt    *time.Time       `json:"packaging_started_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason          string           `json:"cancel_reason,omitempty"`
	CreatedBy             string           `json:"created_by"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func toBatchDTO(b generic.Batch) BatchDTO {
	dto := BatchDTO{
		ID:                    string(b.ID),
		BatchNumber:           b.BatchNumber,
		RecipeID:              string(b.RecipeID),
		RecipeName:            b.RecipeName,
		Volume:                b.Volume,
		Status:                string(b.Status),
		PlannedDate:           b.PlannedDate,
		Notes:                 b.Notes,
		TargetOG:              b.TargetOG,
		OriginalGravity:       b.OriginalGravity,
		FinalGravity:          b.FinalGravity,
		CurrentGravity:        b.CurrentGravity,
		ABV:                   b.ABV,
		BrewedAt:              b.BrewedAt,
		FermentationStartedAt: b.FermentationStartedAt,
		ConditioningStartedAt: b.ConditioningStartedAt,
		ReadyAt:               b.ReadyAt,
		PackagingStartedAt:    b.PackagingStartedAt,
		CompletedAt:           b.CompletedAt,
		CancelledAt:           b.CancelledAt,
		CancelReason:          b.CancelReason,
		CreatedBy:             b.CreatedBy,
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
	}
	if b.VesselID != nil {
		v := string(*b.VesselID)
		dto.VesselID = &v
	}
	return dto
}

type IngredientDTO struct {
	ItemID        *string         `json:"inventory_item_id"`
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	PlannedAmount decimal.Decimal `json:"planned_amount"`
	Unit          string          `json:"unit"`
}

type TimelineEventDTO struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Actor       string          `json:"actor"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ReadingDTO struct {
	ID          string          `json:"id"`
	Gravity     decimal.Decimal `json:"gravity"`
	Temperature decimal.Decimal `json:"temperature"`
	Notes       string          `json:"notes,omitempty"`
	Actor       string          `json:"actor"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

func toReadingDTO(g generic.GravityReading) ReadingDTO {
	return ReadingDTO{ID: g.ID, Gravity: g.Gravity, Temperature: g.Temperature, Notes: g.Notes,
		Actor: g.Actor, RecordedAt: g.RecordedAt}
}

type PackagingRunDTO struct {
	ID            string          `json:"id"`
	PackageType   string          `json:"package_type"`
	Quantity      int64           `json:"quantity"`
	VolumePerUnit decimal.Decimal `json:"volume_per_unit"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	LotNumber     string          `json:"lot_number"`
	ProductItemID string          `json:"product_item_id"`
	Actor         string          `json:"actor"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toPackagingRunDTO(p generic.PackagingRun) PackagingRunDTO {
	return PackagingRunDTO{ID: p.ID, PackageType: p.PackageType, Quantity: p.Quantity,
		VolumePerUnit: p.VolumePerUnit, TotalVolume: p.TotalVolume, LotNumber: p.LotNumber,
		ProductItemID: string(p.ProductItemID), Actor: p.Actor, CreatedAt: p.CreatedAt}
}

// BatchDetailDTO is a batch with the children requested via ?include=.
type BatchDetailDTO struct {
	BatchDTO
	Ingredients   []IngredientDTO    `json:"ingredients,omitempty"`
	Timeline      []TimelineEventDTO `json:"timeline,omitempty"`
	Readings      []ReadingDTO       `json:"readings,omitempty"`
	PackagingRuns []PackagingRunDTO  `json:"packaging_runs,omitempty"`
}

func toBatchDetailDTO(d brewing.BatchDetail) BatchDetailDTO {
	out := BatchDetailDTO{BatchDTO: toBatchDTO(d.Batch)}
	for _, ing := range d.Ingredients {
		dto := IngredientDTO{Name: ing.Name, Category: ing.Category, PlannedAmount: ing.PlannedAmount, Unit: string(ing.Unit)}
		if ing.ItemID != nil {
			id := string(*ing.ItemID)
			dto.ItemID = &id
		}
		out.Ingredients = append(out.Ingredients, dto)
	}
	for _, e := range d.Timeline {
		out.Timeline = append(out.Timeline, TimelineEventDTO{ID: e.ID, Type: string(e.Type), Title: e.Title,
			Description: e.Description, Data: e.Data, Actor: e.Actor, CreatedAt: e.CreatedAt})
	}
	for _, g := range d.Readings {
		out.Readings = append(out.Readings, toReadingDTO(g))
	}
	for _, p := range d.PackagingRuns {
		out.PackagingRuns = append(out.PackagingRuns, toPackagingRunDTO(p))
	}
	return out
}

type CreateBatchRequest struct {
	RecipeID    string          `json:"recipe_id"`
	VesselID    string          `json:"vessel_id"`
	Volume      decimal.Decimal `json:"volume"`
	PlannedDate *time.Time      `json:"planned_date,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// PlanBatchRequest asks whether a batch could be created now.
type PlanBatchRequest struct {
	RecipeID string          `json:"recipe_id"`
	VesselID string          `json:"vessel_id,omitempty"`
	Volume   decimal.Decimal `json:"volume"`
}

type ProjectionLineDTO struct {
	ItemID    string          `json:"item_id"`
	SKU       string          `json:"sku"`
	Unit      string          `json:"unit"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Remaining decimal.Decimal `json:"remaining"`
	Short     bool            `json:"short"`
}

// PlanResponse is advisory; nothing is held.
type PlanResponse struct {
	Feasible    bool                `json:"feasible"`
	Ingredients []IngredientDTO     `json:"ingredients"`
	Inventory   []ProjectionLineDTO `json:"inventory"`
	Vessel      *VesselDTO          `json:"vessel,omitempty"`
	VesselIssue *ErrorResponse      `json:"vessel_issue,omitempty"`
}

func toPlanResponse(res brewing.PlanResult) PlanResponse {
	out := PlanResponse{
		Feasible:    res.Feasible(),
		Ingredients: make([]IngredientDTO, len(res.Ingredients)),
		Inventory:   make([]ProjectionLineDTO, len(res.Projection.Lines)),
	}
	for i, sc := range res.Ingredients {
		out.Ingredients[i] = IngredientDTO{Name: sc.Name, Category: sc.Category, PlannedAmount: sc.Required, Unit: string(sc.Unit)}
		if sc.InventoryItemID != nil {
			id := string(*sc.InventoryItemID)
			out.Ingredients[i].ItemID = &id
		}
	}
	for i, l := range res.Projection.Lines {
		out.Inventory[i] = ProjectionLineDTO{ItemID: string(l.ItemID), SKU: l.SKU, Unit: string(l.Unit),
			Required: l.Required, Available: l.Available, Remaining: l.Remaining, Short: l.Short()}
	}
	if res.Vessel != nil {
		v := toVesselDTO(*res.Vessel)
		out.Vessel = &v
	}
	if res.VesselErr != nil {
		out.VesselIssue = &ErrorResponse{Error: res.VesselErr.Error(), Kind: string(generic.KindOf(res.VesselErr)), Details: details(res.VesselErr)}
	}
	return out
}

type StartBrewingRequest struct {
	OriginalGravity *decimal.Decimal `json:"original_gravity,omitempty"`
}

// TransferRequest moves the batch when VesselID names a different vessel.
type TransferRequest struct {
	VesselID *string `json:"vessel_id,omitempty"`
}

type MarkReadyRequest struct {
	FinalGravity *decimal.Decimal `json:"final_gravity,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type GravityReadingRequest struct {
	Gravity     decimal.Decimal `json:"gravity"`
	Temperature decimal.Decimal `json:"temperature"`
	Notes       string          `json:"notes,omitempty"`
}

type ReadingResponse struct {
	Batch   BatchDTO   `json:"batch"`
	Reading ReadingDTO `json:"reading"`
}

type PackageRequest struct {
	PackageType string `json:"package_type"`
	Quantity    int64  `json:"quantity"`
	LotNumber   string `json:"lot_number,omitempty"`
}

type PackageResponse struct {
	Batch     BatchDTO        `json:"batch"`
	Run       PackagingRunDTO `json:"run"`
	Completed bool            `json:"completed"`
	Remaining decimal.Decimal `json:"remaining_volume"`
}

// =============================================================================
// INVENTORY
// =============================================================================

type ItemDTO struct {
	ID            string          `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	Unit          string          `json:"unit"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toItemDTO(it generic.InventoryItem) ItemDTO {
	return ItemDTO{ID: string(it.ID), SKU: it.SKU, Name: it.Name, Category: it.Category, Unit: string(it.Unit),
		CachedBalance: it.CachedBalance, CreatedAt: it.CreatedAt, UpdatedAt: it.UpdatedAt}
}

type PositionDTO struct {
	ItemID    string          `json:"item_id"`
	SKU       string          `json:"sku"`
	Unit      string          `json:"unit"`
	OnHand    decimal.Decimal `json:"on_hand"`
	Available decimal.Decimal `json:"available"`
}

type LedgerEntryDTO struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Type       string          `json:"type"`
	BatchID    *string         `json:"batch_id,omitempty"`
	ReversesID *string         `json:"reverses_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	Actor      string          `json:"actor"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toLedgerEntryDTO(e generic.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{ID: string(e.ID), ItemID: string(e.ItemID), Quantity: e.Quantity, Type: string(e.Type),
		Note: e.Note, Actor: e.Actor, CreatedAt: e.CreatedAt}
	if e.BatchID != nil {
		s := string(*e.BatchID)
		dto.BatchID = &s
	}
	if e.ReversesID != nil {
		s := string(*e.ReversesID)
		dto.ReversesID = &s
	}
	return dto
}

type BalanceCheckDTO struct {
	ItemID     string          `json:"item_id"`
	Cached     decimal.Decimal `json:"cached_balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
}

type CreateItemRequest struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Unit     string `json:"unit"`
}

type MovementRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Note     string          `json:"note,omitempty"`
}

// =============================================================================
// VESSELS
// =============================================================================

type VesselDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Capacity       decimal.Decimal `json:"capacity"`
	Status         string          `json:"status"`
	CurrentBatchID *string         `json:"current_batch_id"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toVesselDTO(v generic.Vessel) VesselDTO {
	dto := VesselDTO{ID: string(v.ID), Name: v.Name, Type: string(v.Type), Capacity: v.Capacity,
		Status: string(v.Status), UpdatedAt: v.UpdatedAt}
	if v.CurrentBatchID != nil {
		s := string(*v.CurrentBatchID)
		dto.CurrentBatchID = &s
	}
	return dto
}

type OccupationDTO struct {
	ID        string     `json:"id"`
	BatchID   string     `json:"batch_id"`
	Phase     string     `json:"phase"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

type CreateVesselRequest struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Capacity decimal.Decimal `json:"capacity"`
}

type SetVesselStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult lists what a scenario created, keyed by fixture name.
type ScenarioResult struct {
	Scenario string            `json:"scenario"`
	Items    map[string]string `json:"items"`
	Vessels  map[string]string `json:"vessels"`
	Recipes  map[string]string `json:"recipes"`
	Batches  map[string]string `json:"batches,omitempty"`
}
