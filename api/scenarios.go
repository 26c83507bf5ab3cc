/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built fixtures that populate the caller's tenant with a
	small brewery: raw materials with opening stock, packaging materials,
	fermenters, a brite tank and a recipe.

AVAILABLE SCENARIOS:

	brewhouse-basic:  Stock, vessels and a pale ale recipe
	in-progress:      brewhouse-basic plus one batch brewing in FV-1

HOW SCENARIOS WORK:
 1. Find or register every fixture item by SKU
 2. Record the opening purchase for items that were just registered
 3. Find or register every fixture vessel by name
 4. Upsert the recipe
 5. Optionally plan and start a batch under a fixed idempotency key

The ledger is append-only so there is no reset. Loading a scenario twice
finds the existing fixtures instead of adding stock again.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "brewhouse-basic"}

SEE ALSO:
  - handlers.go: Handler construction
  - factory/recipe.go: Recipe JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/factory"
	"github.com/warp/batch-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "brewhouse-basic",
		Name:        "Brewhouse Basic",
		Description: "Malt, hops, yeast and can stock, two fermenters, a brite tank and a pale ale recipe",
	},
	{
		ID:          "in-progress",
		Name:        "Batch In Progress",
		Description: "Brewhouse Basic with one pale ale batch brewing in FV-1",
	},
}

type fixtureItem struct {
	key      string
	sku      string
	name     string
	category string
	unit     generic.Unit
	opening  string
}

var fixtureItems = []fixtureItem{
	{key: "malt", sku: "MALT-2ROW", name: "2-Row Pale Malt", category: "grain", unit: generic.UnitKilograms, opening: "200"},
	{key: "hops", sku: "HOPS-CASCADE", name: "Cascade Hops", category: "hops", unit: generic.UnitKilograms, opening: "10"},
	{key: "yeast", sku: "YEAST-US05", name: "US-05 Yeast", category: "yeast", unit: generic.UnitEach, opening: "20"},
	{key: "cans", sku: "CAN-16OZ", name: "16oz Can", category: "packaging", unit: generic.UnitEach, opening: "5000"},
	{key: "lids", sku: "LID-202", name: "202 Lid", category: "packaging", unit: generic.UnitEach, opening: "5000"},
}

type fixtureVessel struct {
	name     string
	vtype    generic.VesselType
	capacity string
}

var fixtureVessels = []fixtureVessel{
	{name: "FV-1", vtype: generic.VesselFermenter, capacity: "1000"},
	{name: "FV-2", vtype: generic.VesselFermenter, capacity: "1000"},
	{name: "BT-1", vtype: generic.VesselBrite, capacity: "1000"},
}

// paleAleJSON takes the malt, hops and yeast item ids.
const paleAleJSON = `{
  "id": "pale-ale",
  "name": "House Pale Ale",
  "batch_size": "500",
  "target_og": "1.050",
  "ingredients": [
    {"inventory_item_id": %q, "name": "2-Row Pale Malt", "category": "grain", "amount": "100", "unit": "kg"},
    {"inventory_item_id": %q, "name": "Cascade Hops", "category": "hops", "amount": "2", "unit": "kg"},
    {"inventory_item_id": %q, "name": "US-05 Yeast", "category": "yeast", "amount": "1", "unit": "each"},
    {"name": "Brewing Water", "category": "water", "amount": "550", "unit": "L"}
  ]
}`

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last scenario loaded by this process, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario into the caller's tenant.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	p := PrincipalFrom(ctx)

	var (
		res ScenarioResult
		err error
	)
	switch req.ScenarioID {
	case "brewhouse-basic":
		res, err = h.loadBrewhouseBasic(ctx, p)
	case "in-progress":
		res, err = h.loadInProgress(ctx, p)
	default:
		writeError(w, generic.Invalid("scenario_id", "unknown scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	res.Scenario = req.ScenarioID
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBrewhouseBasic(ctx context.Context, p generic.Principal) (ScenarioResult, error) {
	res := ScenarioResult{
		Items:   make(map[string]string),
		Vessels: make(map[string]string),
		Recipes: make(map[string]string),
	}

	existing, err := h.Engine.Inventory.ListItems(ctx, p)
	if err != nil {
		return res, err
	}
	bySKU := make(map[string]generic.InventoryItem, len(existing))
	for _, it := range existing {
		bySKU[it.SKU] = it
	}

	for _, fi := range fixtureItems {
		item, ok := bySKU[fi.sku]
		if !ok {
			item, err = h.Engine.Inventory.RegisterItem(ctx, p, brewing.RegisterItemRequest{
				SKU: fi.sku, Name: fi.name, Category: fi.category, Unit: fi.unit,
			})
			if err != nil {
				return res, fmt.Errorf("register %s: %w", fi.sku, err)
			}
			_, err = h.Engine.Inventory.RecordPurchase(ctx, p, brewing.MovementRequest{
				ItemID:   item.ID,
				Quantity: decimal.RequireFromString(fi.opening),
				Note:     "opening stock",
			})
			if err != nil {
				return res, fmt.Errorf("opening stock %s: %w", fi.sku, err)
			}
		}
		res.Items[fi.key] = string(item.ID)
	}

	vessels, err := h.Engine.Vessels.List(ctx, p, generic.VesselFilter{})
	if err != nil {
		return res, err
	}
	byName := make(map[string]generic.Vessel, len(vessels))
	for _, v := range vessels {
		byName[v.Name] = v
	}

	for _, fv := range fixtureVessels {
		v, ok := byName[fv.name]
		if !ok {
			v, err = h.Engine.Vessels.Register(ctx, p, brewing.RegisterVesselRequest{
				Name: fv.name, Type: fv.vtype, Capacity: decimal.RequireFromString(fv.capacity),
			})
			if err != nil {
				return res, fmt.Errorf("register vessel %s: %w", fv.name, err)
			}
		}
		res.Vessels[fv.name] = string(v.ID)
	}

	recipe, err := factory.ParseRecipe([]byte(fmt.Sprintf(paleAleJSON,
		res.Items["malt"], res.Items["hops"], res.Items["yeast"])))
	if err != nil {
		return res, err
	}
	saved, err := h.Engine.Recipes.Save(ctx, p, recipe)
	if err != nil {
		return res, err
	}
	res.Recipes["pale-ale"] = string(saved.ID)

	return res, nil
}

func (h *Handler) loadInProgress(ctx context.Context, p generic.Principal) (ScenarioResult, error) {
	res, err := h.loadBrewhouseBasic(ctx, p)
	if err != nil {
		return res, err
	}

	created, err := h.Engine.Batches.Create(ctx, p, brewing.CreateRequest{
		RecipeID:       generic.RecipeID(res.Recipes["pale-ale"]),
		VesselID:       generic.VesselID(res.Vessels["FV-1"]),
		Volume:         decimal.NewFromInt(500),
		Notes:          "scenario batch",
		IdempotencyKey: "scenario-in-progress",
	})
	if err != nil {
		return res, err
	}
	// A replay returns the snapshot taken at creation; read the current row.
	current, err := h.Engine.Batches.GetByID(ctx, p, created.Batch.ID, brewing.Include{})
	if err != nil {
		return res, err
	}
	if current.Batch.Status == generic.StatusPlanned {
		og := decimal.RequireFromString("1.052")
		if _, err := h.Engine.Batches.StartBrewing(ctx, p, created.Batch.ID, &og); err != nil {
			return res, err
		}
	}
	res.Batches = map[string]string{"pale-ale": string(created.Batch.ID)}
	return res, nil
}
