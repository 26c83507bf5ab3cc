/*
Package factory provides JSON to Go conversion for recipes and the
packaging catalog.

PURPOSE:
  Recipes and package types are configuration owned outside the engine.
  The factory turns their JSON form into generic.Recipe and
  generic.PackageSpec values, validating units and amounts on the way in,
  so the engine only ever sees well-formed input.

RECIPE JSON:
  {
    "id": "pale-ale",
    "name": "House Pale Ale",
    "batch_size": "500",
    "target_og": "1.055",
    "ingredients": [
      {"inventory_item_id": "…", "name": "Pale Malt", "category": "grain", "amount": "100", "unit": "kg"},
      {"name": "Water", "category": "water", "amount": "600", "unit": "L"}
    ]
  }

  Amounts are decimal strings (plain JSON numbers are accepted too).
  Ingredients without inventory_item_id are snapshotted but not debited.

PACKAGING JSON:
  [{"type": "can_16oz", "volume_per_unit": "0.473", "material_skus": ["CAN-16OZ", "LID-202"]}]

SEE ALSO:
  - packaging.go: Catalog
  - brewing/recipes.go: recipe validation
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RecipeJSON is the JSON representation of a recipe.
type RecipeJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	BatchSize   decimal.Decimal  `json:"batch_size"` // liters
	TargetOG    *decimal.Decimal `json:"target_og,omitempty"`
	Ingredients []IngredientJSON `json:"ingredients"`
}

// IngredientJSON is one recipe line.
type IngredientJSON struct {
	InventoryItemID string          `json:"inventory_item_id,omitempty"`
	Name            string          `json:"name"`
	Category        string          `json:"category,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Unit            string          `json:"unit"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRecipe converts recipe JSON to a generic.Recipe.
func ParseRecipe(data []byte) (generic.Recipe, error) {
	var rj RecipeJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return generic.Recipe{}, &generic.ValidationError{Field: "recipe", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return rj.ToRecipe()
}

// ToRecipe converts and validates.
func (rj RecipeJSON) ToRecipe() (generic.Recipe, error) {
	if rj.Name == "" {
		return generic.Recipe{}, generic.Invalid("name", "required")
	}
	if !rj.BatchSize.IsPositive() {
		return generic.Recipe{}, generic.Invalid("batch_size", "must be positive")
	}
	r := generic.Recipe{
		ID:          generic.RecipeID(rj.ID),
		Name:        rj.Name,
		BatchSize:   rj.BatchSize,
		TargetOG:    rj.TargetOG,
		Ingredients: make([]generic.RecipeIngredient, 0, len(rj.Ingredients)),
	}
	for i, ij := range rj.Ingredients {
		ing, err := ij.toIngredient()
		if err != nil {
			return generic.Recipe{}, fmt.Errorf("ingredient %d: %w", i, err)
		}
		r.Ingredients = append(r.Ingredients, ing)
	}
	return r, nil
}

func (ij IngredientJSON) toIngredient() (generic.RecipeIngredient, error) {
	if ij.Name == "" {
		return generic.RecipeIngredient{}, generic.Invalid("name", "required")
	}
	if ij.Amount.IsNegative() {
		return generic.RecipeIngredient{}, generic.Invalid("amount", "must not be negative")
	}
	unit, err := parseUnit(ij.Unit)
	if err != nil {
		return generic.RecipeIngredient{}, err
	}
	ing := generic.RecipeIngredient{
		Name:     ij.Name,
		Category: ij.Category,
		Amount:   ij.Amount,
		Unit:     unit,
	}
	if ij.InventoryItemID != "" {
		id := generic.ItemID(ij.InventoryItemID)
		ing.InventoryItemID = &id
	}
	return ing, nil
}

// RecipeToJSON is the inverse of ToRecipe.
func RecipeToJSON(r generic.Recipe) RecipeJSON {
	rj := RecipeJSON{
		ID:          string(r.ID),
		Name:        r.Name,
		BatchSize:   r.BatchSize,
		TargetOG:    r.TargetOG,
		Ingredients: make([]IngredientJSON, len(r.Ingredients)),
	}
	for i, ing := range r.Ingredients {
		ij := IngredientJSON{Name: ing.Name, Category: ing.Category, Amount: ing.Amount, Unit: string(ing.Unit)}
		if ing.InventoryItemID != nil {
			ij.InventoryItemID = string(*ing.InventoryItemID)
		}
		rj.Ingredients[i] = ij
	}
	return rj
}

func parseUnit(s string) (generic.Unit, error) {
	switch generic.Unit(s) {
	case generic.UnitKilograms, generic.UnitGrams, generic.UnitLiters, generic.UnitEach:
		return generic.Unit(s), nil
	case "l", "liter", "liters":
		return generic.UnitLiters, nil
	}
	return "", generic.Invalid("unit", "unknown unit %q", s)
}
