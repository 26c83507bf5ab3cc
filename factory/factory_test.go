package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

const paleAle = `{
  "id": "pale-ale",
  "name": "Pale Ale",
  "batch_size": "500",
  "target_og": "1.050",
  "ingredients": [
    {"inventory_item_id": "malt", "name": "2-Row", "category": "grain", "amount": "100", "unit": "kg"},
    {"name": "Water", "amount": "550", "unit": "liter"}
  ]
}`

func TestParseRecipe(t *testing.T) {
	r, err := ParseRecipe([]byte(paleAle))
	if err != nil {
		t.Fatalf("Failed to parse recipe: %v", err)
	}

	assert.Equal(t, generic.RecipeID("pale-ale"), r.ID)
	assert.True(t, decimal.NewFromInt(500).Equal(r.BatchSize))
	require.NotNil(t, r.TargetOG)
	require.Len(t, r.Ingredients, 2)
	require.NotNil(t, r.Ingredients[0].InventoryItemID)
	assert.Equal(t, generic.ItemID("malt"), *r.Ingredients[0].InventoryItemID)
	assert.Nil(t, r.Ingredients[1].InventoryItemID, "water is not tracked")
	assert.Equal(t, generic.UnitLiters, r.Ingredients[1].Unit, "liter is an alias of L")
}

func TestParseRecipe_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"name": `},
		{"no name", `{"batch_size": "10", "ingredients": []}`},
		{"zero batch size", `{"name": "x", "batch_size": "0"}`},
		{"unknown unit", `{"name": "x", "batch_size": "10", "ingredients": [{"name": "malt", "amount": "1", "unit": "lb"}]}`},
		{"negative amount", `{"name": "x", "batch_size": "10", "ingredients": [{"name": "malt", "amount": "-1", "unit": "kg"}]}`},
		{"unnamed ingredient", `{"name": "x", "batch_size": "10", "ingredients": [{"amount": "1", "unit": "kg"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecipe([]byte(tt.json))
			assert.Equal(t, generic.KindValidation, generic.KindOf(err), "got %v", err)
		})
	}
}

func TestRecipeToJSON_RoundTrip(t *testing.T) {
	r, err := ParseRecipe([]byte(paleAle))
	require.NoError(t, err)

	back, err := RecipeToJSON(r).ToRecipe()
	require.NoError(t, err)

	assert.Equal(t, r.ID, back.ID)
	assert.Equal(t, r.Name, back.Name)
	require.Len(t, back.Ingredients, len(r.Ingredients))
	for i := range r.Ingredients {
		assert.Equal(t, r.Ingredients[i].Unit, back.Ingredients[i].Unit)
		assert.True(t, r.Ingredients[i].Amount.Equal(back.Ingredients[i].Amount))
	}
}

// =============================================================================
// PACKAGING CATALOG
// =============================================================================

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	can, err := c.Resolve("can_16oz")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.473").Equal(can.VolumePerUnit))
	assert.Equal(t, []string{"CAN-16OZ", "LID-202"}, can.MaterialSKUs)

	// Callers cannot mutate the catalog through a resolved spec.
	can.MaterialSKUs[0] = "mutated"
	again, _ := c.Resolve("can_16oz")
	assert.Equal(t, "CAN-16OZ", again.MaterialSKUs[0])

	_, err = c.Resolve("firkin")
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))

	types := c.Types()
	require.Len(t, types, 4)
	assert.Equal(t, "bottle_12oz", types[0].Type)
	assert.Equal(t, "keg_sixth", types[3].Type)
}

func TestParseCatalog_LayersOverDefaults(t *testing.T) {
	c, err := ParseCatalog([]byte(`[
		{"type": "firkin", "volume_per_unit": "40.9"},
		{"type": "keg_half", "volume_per_unit": "50"}
	]`))
	require.NoError(t, err)

	firkin, err := c.Resolve("firkin")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("40.9").Equal(firkin.VolumePerUnit))

	keg, err := c.Resolve("keg_half")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(keg.VolumePerUnit), "override wins")
	assert.Len(t, c.Types(), 5)
}

func TestParseCatalog_Invalid(t *testing.T) {
	_, err := ParseCatalog([]byte(`[{"type": "growler", "volume_per_unit": "0"}]`))
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))

	_, err = ParseCatalog([]byte(`[{"type": "", "volume_per_unit": "1"}]`))
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))

	_, err = ParseCatalog([]byte(`{`))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Len(t, c.Types(), len(DefaultPackages))

	path := filepath.Join(t.TempDir(), "packaging.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type": "pin", "volume_per_unit": "20.5"}]`), 0o644))
	c, err = LoadCatalog(path)
	require.NoError(t, err)
	_, err = c.Resolve("pin")
	assert.NoError(t, err)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
