/*
handlers.go - HTTP API handlers for the batch engine

PURPOSE:
  Exposes the batch engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the brewing services.

ENDPOINTS:
  Batches:
    POST   /api/batches                      Create (Idempotency-Key header)
    POST   /api/batches/plan                 Advisory stock and vessel check
    GET    /api/batches                      List ?status=&recipe_id=&vessel_id=&limit=&offset=
    GET    /api/batches/{id}                 Get ?include=ingredients,timeline,readings,packaging
    POST   /api/batches/{id}/brew            Start brewing
    POST   /api/batches/{id}/ferment         Start fermentation (optional vessel move)
    POST   /api/batches/{id}/condition       Transfer to conditioning (optional vessel move)
    POST   /api/batches/{id}/ready           Mark ready
    POST   /api/batches/{id}/cancel          Cancel with compensating reversals
    POST   /api/batches/{id}/readings        Add gravity reading
    POST   /api/batches/{id}/packaging       Package (Idempotency-Key header)

  Inventory:
    GET/POST /api/inventory                  List / register items
    GET    /api/inventory/{id}[/position|/verify|/entries]
    POST   /api/inventory/{id}/purchases     Record purchase
    POST   /api/inventory/{id}/adjustments   Adjust with reason

  Vessels:
    GET/POST /api/vessels                    List (?available=true) / register
    GET    /api/vessels/{id}[/occupations]
    POST   /api/vessels/{id}/clean           CLEANING -> AVAILABLE
    POST   /api/vessels/{id}/status          Administrative status

  Recipes, packaging types and scenarios complete the surface.

IDENTITY:
  Every /api route runs behind Identity; handlers read the principal with
  PrincipalFrom and pass it to the services.

ERROR HANDLING:
  Engine errors render through writeError, which maps the error kind to a
  stable status. A replayed idempotent request answers 200 with
  Idempotent-Replayed: true instead of 201.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Kind → status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/factory"
	"github.com/warp/batch-engine/generic"
)

// HeaderIdempotencyKey carries the caller's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed is set on responses served from an earlier execution.
const HeaderReplayed = "Idempotent-Replayed"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *brewing.Engine
	Catalog *factory.Catalog
	Log     zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the engine.
func NewHandler(engine *brewing.Engine, catalog *factory.Catalog, log zerolog.Logger) *Handler {
	if catalog == nil {
		catalog = factory.DefaultCatalog()
	}
	return &Handler{Engine: engine, Catalog: catalog, Log: log}
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Batches.Create(r.Context(), PrincipalFrom(r.Context()), brewing.CreateRequest{
		RecipeID:       generic.RecipeID(req.RecipeID),
		VesselID:       generic.VesselID(req.VesselID),
		Volume:         req.Volume,
		PlannedDate:    req.PlannedDate,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, res.Replayed, toBatchDTO(res.Batch))
}

func (h *Handler) PlanBatch(w http.ResponseWriter, r *http.Request) {
	var req PlanBatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Batches.Plan(r.Context(), PrincipalFrom(r.Context()), brewing.PlanRequest{
		RecipeID: generic.RecipeID(req.RecipeID),
		VesselID: generic.VesselID(req.VesselID),
		Volume:   req.Volume,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(res))
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, generic.Invalid("limit", "not an integer"))
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, generic.Invalid("offset", "not an integer"))
		return
	}
	batches, err := h.Engine.Batches.List(r.Context(), PrincipalFrom(r.Context()), generic.BatchFilter{
		Status:   generic.BatchStatus(strings.ToUpper(q.Get("status"))),
		RecipeID: generic.RecipeID(q.Get("recipe_id")),
		VesselID: generic.VesselID(q.Get("vessel_id")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.Batches.GetByID(r.Context(), PrincipalFrom(r.Context()), batchID(r), parseInclude(r.URL.Query().Get("include")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDetailDTO(detail))
}

func parseInclude(s string) brewing.Include {
	var inc brewing.Include
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "ingredients":
			inc.Ingredients = true
		case "timeline":
			inc.Timeline = true
		case "readings":
			inc.Readings = true
		case "packaging":
			inc.Packaging = true
		case "all":
			inc = brewing.Include{Ingredients: true, Timeline: true, Readings: true, Packaging: true}
		}
	}
	return inc
}

func (h *Handler) StartBrewing(w http.ResponseWriter, r *http.Request) {
	var req StartBrewingRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Engine.Batches.StartBrewing(r.Context(), PrincipalFrom(r.Context()), batchID(r), req.OriginalGravity)
	respondBatch(w, b, err)
}

func (h *Handler) StartFermentation(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Engine.Batches.StartFermentation(r.Context(), PrincipalFrom(r.Context()), batchID(r), vesselRef(req.VesselID))
	respondBatch(w, b, err)
}

func (h *Handler) TransferToConditioning(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Engine.Batches.TransferToConditioning(r.Context(), PrincipalFrom(r.Context()), batchID(r), vesselRef(req.VesselID))
	respondBatch(w, b, err)
}

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	var req MarkReadyRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	b, err := h.Engine.Batches.MarkReady(r.Context(), PrincipalFrom(r.Context()), batchID(r), req.FinalGravity)
	respondBatch(w, b, err)
}

func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Engine.Batches.Cancel(r.Context(), PrincipalFrom(r.Context()), batchID(r), req.Reason)
	respondBatch(w, b, err)
}

func (h *Handler) AddGravityReading(w http.ResponseWriter, r *http.Request) {
	var req GravityReadingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Batches.AddGravityReading(r.Context(), PrincipalFrom(r.Context()), batchID(r), brewing.ReadingRequest{
		Gravity:     req.Gravity,
		Temperature: req.Temperature,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReadingResponse{Batch: toBatchDTO(res.Batch), Reading: toReadingDTO(res.Reading)})
}

func (h *Handler) PackageBatch(w http.ResponseWriter, r *http.Request) {
	var req PackageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Packaging.Package(r.Context(), PrincipalFrom(r.Context()), brewing.PackageRequest{
		BatchID:        batchID(r),
		PackageType:    req.PackageType,
		Quantity:       req.Quantity,
		LotNumber:      req.LotNumber,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, res.Replayed, PackageResponse{
		Batch:     toBatchDTO(res.Batch),
		Run:       toPackagingRunDTO(res.Run),
		Completed: res.Completed,
		Remaining: res.Remaining,
	})
}

func (h *Handler) ListPackageTypes(w http.ResponseWriter, r *http.Request) {
	types := h.Catalog.Types()
	out := make([]factory.PackageJSON, len(types))
	for i, t := range types {
		out[i] = factory.PackageJSON{Type: t.Type, VolumePerUnit: t.VolumePerUnit, MaterialSKUs: t.MaterialSKUs}
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.Inventory.ListItems(r.Context(), PrincipalFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Engine.Inventory.RegisterItem(r.Context(), PrincipalFrom(r.Context()), brewing.RegisterItemRequest{
		SKU:      req.SKU,
		Name:     req.Name,
		Category: req.Category,
		Unit:     generic.Unit(req.Unit),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Inventory.GetItem(r.Context(), PrincipalFrom(r.Context()), itemID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Engine.Inventory.GetPosition(r.Context(), PrincipalFrom(r.Context()), itemID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionDTO{ItemID: string(pos.ItemID), SKU: pos.SKU, Unit: string(pos.Unit),
		OnHand: pos.OnHand, Available: pos.Available})
}

func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	check, err := h.Engine.Inventory.VerifyBalance(r.Context(), PrincipalFrom(r.Context()), itemID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceCheckDTO{ItemID: string(check.ItemID), Cached: check.Cached,
		LedgerSum: check.LedgerSum, Entries: check.Entries, Consistent: check.Consistent})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, generic.Invalid("limit", "not an integer"))
		return
	}
	entries, err := h.Engine.Inventory.History(r.Context(), PrincipalFrom(r.Context()), itemID(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.Engine.Inventory.RecordPurchase)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.Engine.Inventory.Adjust)
}

type movementFunc func(ctx context.Context, p generic.Principal, req brewing.MovementRequest) (generic.LedgerEntry, error)

func (h *Handler) movement(w http.ResponseWriter, r *http.Request, fn movementFunc) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := fn(r.Context(), PrincipalFrom(r.Context()), brewing.MovementRequest{
		ItemID:         itemID(r),
		Quantity:       req.Quantity,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// VESSEL HANDLERS
// =============================================================================

func (h *Handler) ListVessels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var minCap *decimal.Decimal
	if s := q.Get("min_capacity"); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			writeError(w, generic.Invalid("min_capacity", "not a number"))
			return
		}
		minCap = &d
	}
	vtype := generic.VesselType(strings.ToUpper(q.Get("type")))
	p := PrincipalFrom(r.Context())

	var (
		vessels []generic.Vessel
		err     error
	)
	if q.Get("available") == "true" {
		vessels, err = h.Engine.Vessels.Available(r.Context(), p, minCap, vtype)
	} else {
		vessels, err = h.Engine.Vessels.List(r.Context(), p, generic.VesselFilter{
			Status:      generic.VesselStatus(strings.ToUpper(q.Get("status"))),
			Type:        vtype,
			MinCapacity: minCap,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]VesselDTO, len(vessels))
	for i, v := range vessels {
		dtos[i] = toVesselDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateVessel(w http.ResponseWriter, r *http.Request) {
	var req CreateVesselRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.Engine.Vessels.Register(r.Context(), PrincipalFrom(r.Context()), brewing.RegisterVesselRequest{
		Name:     req.Name,
		Type:     generic.VesselType(strings.ToUpper(req.Type)),
		Capacity: req.Capacity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVesselDTO(v))
}

func (h *Handler) GetVessel(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.Vessels.Get(r.Context(), PrincipalFrom(r.Context()), vesselID(r))
	respondVessel(w, v, err)
}

func (h *Handler) MarkVesselClean(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.Vessels.MarkClean(r.Context(), PrincipalFrom(r.Context()), vesselID(r))
	respondVessel(w, v, err)
}

func (h *Handler) SetVesselStatus(w http.ResponseWriter, r *http.Request) {
	var req SetVesselStatusRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.Engine.Vessels.SetStatus(r.Context(), PrincipalFrom(r.Context()), vesselID(r),
		generic.VesselStatus(strings.ToUpper(req.Status)))
	respondVessel(w, v, err)
}

func (h *Handler) ListOccupations(w http.ResponseWriter, r *http.Request) {
	occs, err := h.Engine.Vessels.Occupations(r.Context(), PrincipalFrom(r.Context()), vesselID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]OccupationDTO, len(occs))
	for i, o := range occs {
		dtos[i] = OccupationDTO{ID: o.ID, BatchID: string(o.BatchID), Phase: string(o.Phase),
			StartedAt: o.StartedAt, EndedAt: o.EndedAt}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECIPE HANDLERS
// =============================================================================

func (h *Handler) SaveRecipe(w http.ResponseWriter, r *http.Request) {
	var req factory.RecipeJSON
	if !decode(w, r, &req) {
		return
	}
	recipe, err := req.ToRecipe()
	if err != nil {
		writeError(w, err)
		return
	}
	saved, err := h.Engine.Recipes.Save(r.Context(), PrincipalFrom(r.Context()), recipe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.RecipeToJSON(saved))
}

func (h *Handler) GetRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := h.Engine.Recipes.Get(r.Context(), PrincipalFrom(r.Context()), generic.RecipeID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.RecipeToJSON(recipe))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeCreated answers 201, or 200 with the replay header when the result
// came from an earlier request with the same idempotency key.
func writeCreated(w http.ResponseWriter, replayed bool, data any) {
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
		writeJSON(w, StatusFor(generic.KindDuplicateRequest), data)
		return
	}
	writeJSON(w, http.StatusCreated, data)
}

func respondBatch(w http.ResponseWriter, b generic.Batch, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

func respondVessel(w http.ResponseWriter, v generic.Vessel, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVesselDTO(v))
}

// decode reads a required JSON body.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &generic.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &generic.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func batchID(r *http.Request) generic.BatchID   { return generic.BatchID(chi.URLParam(r, "id")) }
func itemID(r *http.Request) generic.ItemID     { return generic.ItemID(chi.URLParam(r, "id")) }
func vesselID(r *http.Request) generic.VesselID { return generic.VesselID(chi.URLParam(r, "id")) }

func vesselRef(s *string) *generic.VesselID {
	if s == nil || *s == "" {
		return nil
	}
	id := generic.VesselID(*s)
	return &id
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
