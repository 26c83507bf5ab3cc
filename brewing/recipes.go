package brewing

import (
	"context"

	"github.com/warp/batch-engine/generic"
)

// RecipeService stores recipes for the built-in RecipeSource. Recipes are
// owned by the catalog; this exists so the engine runs standalone.
type RecipeService struct {
	*core
}

// Save validates and upserts a recipe.
func (s *RecipeService) Save(ctx context.Context, p generic.Principal, r generic.Recipe) (generic.Recipe, error) {
	if err := p.Validate(); err != nil {
		return generic.Recipe{}, err
	}
	r.TenantID = p.TenantID
	if r.ID == "" {
		r.ID = generic.RecipeID(generic.NewID())
	}
	if err := ValidateRecipe(r); err != nil {
		return generic.Recipe{}, err
	}
	err := s.store.WithTx(ctx, func(tx generic.Tx) error {
		for _, ing := range r.Ingredients {
			if ing.InventoryItemID == nil {
				continue
			}
			it, err := tx.GetItem(ctx, p.TenantID, *ing.InventoryItemID)
			if err != nil {
				return err
			}
			if it == nil {
				return &generic.NotFoundError{Resource: "item", ID: string(*ing.InventoryItemID)}
			}
			if it.Unit != ing.Unit {
				return generic.Invalid("ingredients", "%q is in %s but item %s is stocked in %s", ing.Name, ing.Unit, it.SKU, it.Unit)
			}
		}
		return tx.SaveRecipe(ctx, r)
	})
	if err != nil {
		return generic.Recipe{}, err
	}
	return r, nil
}

// Get returns a recipe.
func (s *RecipeService) Get(ctx context.Context, p generic.Principal, id generic.RecipeID) (generic.Recipe, error) {
	if err := p.Validate(); err != nil {
		return generic.Recipe{}, err
	}
	r, err := s.recipes.GetRecipe(ctx, p.TenantID, id)
	if err != nil {
		return generic.Recipe{}, err
	}
	if r == nil {
		return generic.Recipe{}, &generic.NotFoundError{Resource: "recipe", ID: string(id)}
	}
	return *r, nil
}

// ValidateRecipe checks the inbound recipe shape.
func ValidateRecipe(r generic.Recipe) error {
	if r.Name == "" {
		return generic.Invalid("name", "required")
	}
	if !r.BatchSize.IsPositive() {
		return generic.Invalid("batch_size", "must be positive")
	}
	for i, ing := range r.Ingredients {
		if ing.Name == "" {
			return generic.Invalid("ingredients", "ingredient %d has no name", i)
		}
		if ing.Amount.IsNegative() {
			return generic.Invalid("ingredients", "ingredient %q has a negative amount", ing.Name)
		}
		if !validUnit(ing.Unit) {
			return generic.Invalid("ingredients", "ingredient %q has unknown unit %q", ing.Name, ing.Unit)
		}
	}
	return nil
}
