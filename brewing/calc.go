package brewing

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
)

var (
	// abvFactor converts the gravity drop to percent alcohol by volume.
	abvFactor = decimal.RequireFromString("131.25")

	// PackagingCompletionRatio is the share of batch volume that counts as
	// fully packaged. Fill loss and per-unit rounding mean the packaged total
	// rarely equals the batch volume exactly.
	PackagingCompletionRatio = decimal.RequireFromString("0.98")

	minGravity = decimal.RequireFromString("0.980")
	maxGravity = decimal.RequireFromString("1.200")

	// finishedGoodsNamespace seeds deterministic finished-goods item ids.
	finishedGoodsNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("batch-engine/finished-goods"))
)

// ABV returns (og − fg) × 131.25 rounded to two places.
func ABV(og, fg decimal.Decimal) decimal.Decimal {
	return og.Sub(fg).Mul(abvFactor).Round(2)
}

// validGravity rejects readings outside a plausible specific-gravity range.
func validGravity(field string, g decimal.Decimal) error {
	if g.LessThan(minGravity) || g.GreaterThan(maxGravity) {
		return generic.Invalid(field, "gravity %s outside %s..%s", g, minGravity, maxGravity)
	}
	return nil
}

// ScaledIngredient is one recipe ingredient at batch volume.
type ScaledIngredient struct {
	generic.RecipeIngredient
	Required decimal.Decimal
}

// ScaleRecipe scales every ingredient by volume / recipe.batchSize.
func ScaleRecipe(r generic.Recipe, volume decimal.Decimal) ([]ScaledIngredient, error) {
	if !r.BatchSize.IsPositive() {
		return nil, generic.Invalid("batch_size", "recipe %s has non-positive batch size", r.ID)
	}
	scale := volume.Div(r.BatchSize)
	out := make([]ScaledIngredient, len(r.Ingredients))
	for i, ing := range r.Ingredients {
		out[i] = ScaledIngredient{RecipeIngredient: ing, Required: ing.Amount.Mul(scale)}
	}
	return out, nil
}

// requirements collects the inventory-linked ingredients.
func requirements(scaled []ScaledIngredient) []generic.Requirement {
	var reqs []generic.Requirement
	for _, s := range scaled {
		if s.InventoryItemID == nil || !s.Required.IsPositive() {
			continue
		}
		reqs = append(reqs, generic.Requirement{ItemID: *s.InventoryItemID, Quantity: s.Required})
	}
	return reqs
}

// FormatBatchNumber renders the per-tenant, per-year sequence.
func FormatBatchNumber(year, seq int) string {
	return fmt.Sprintf("B-%d-%04d", year, seq)
}

// FinishedGoodsSKU is the SKU of the packaged product for a recipe.
func FinishedGoodsSKU(recipe generic.RecipeID, packageType string) string {
	return strings.ToUpper(fmt.Sprintf("FG-%s-%s", recipe, packageType))
}

// FinishedGoodsID derives the finished-goods item id from tenant, recipe and
// package type, so every packaging run of the same product credits one item.
func FinishedGoodsID(tenant generic.TenantID, recipe generic.RecipeID, packageType string) generic.ItemID {
	name := string(tenant) + "/" + string(recipe) + "/" + packageType
	return generic.ItemID(uuid.NewSHA1(finishedGoodsNamespace, []byte(name)).String())
}
