/*
scenarios_test.go - Tests for demo scenarios and the balance auditor

PURPOSE:
	Scenarios double as integration fixtures, so these tests check that:
	- Each scenario registers the expected items, vessels and recipe
	- Loading twice reuses the fixtures instead of adding stock
	- The in-progress scenario leaves one brewing batch in FV-1
	- The auditor finds scenario balances consistent
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

var scenarioUser = generic.Principal{TenantID: testTenant, UserID: "brewer@example.com"}

func TestScenario_BrewhouseBasic(t *testing.T) {
	// GIVEN: An empty tenant
	h := setupTestHandler(t)
	ctx := context.Background()

	// WHEN: Loading the basic scenario
	res, err := h.loadBrewhouseBasic(ctx, scenarioUser)
	if err != nil {
		t.Fatalf("Failed to load brewhouse-basic: %v", err)
	}

	// THEN: Fixtures exist with their opening stock
	if len(res.Items) != len(fixtureItems) {
		t.Errorf("Expected %d items, got %d", len(fixtureItems), len(res.Items))
	}
	if len(res.Vessels) != 3 {
		t.Errorf("Expected 3 vessels, got %d", len(res.Vessels))
	}
	pos, err := h.Engine.Inventory.GetPosition(ctx, scenarioUser, generic.ItemID(res.Items["malt"]))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(pos.OnHand), "got %s", pos.OnHand)

	recipe, err := h.Engine.Recipes.Get(ctx, scenarioUser, generic.RecipeID(res.Recipes["pale-ale"]))
	require.NoError(t, err)
	assert.Len(t, recipe.Ingredients, 4)
}

func TestScenario_LoadTwiceIsIdempotent(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	first, err := h.loadBrewhouseBasic(ctx, scenarioUser)
	require.NoError(t, err)
	second, err := h.loadBrewhouseBasic(ctx, scenarioUser)
	require.NoError(t, err)

	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, first.Vessels, second.Vessels)
	pos, err := h.Engine.Inventory.GetPosition(ctx, scenarioUser, generic.ItemID(first.Items["hops"]))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(pos.OnHand), "opening stock recorded once, got %s", pos.OnHand)
}

func TestScenario_InProgress(t *testing.T) {
	h := setupTestHandler(t)
	c := newClient(t, h)

	// Loading twice must not brew a second batch.
	for i := 0; i < 2; i++ {
		rec := c.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "in-progress"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	batches, err := h.Engine.Batches.List(context.Background(), scenarioUser, generic.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, generic.StatusBrewing, batches[0].Status)

	rec := c.do(http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in-progress", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenario_Unknown(t *testing.T) {
	c := newClient(t, setupTestHandler(t))

	rec := c.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "oktoberfest"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BALANCE AUDITOR
// =============================================================================

func TestBalanceAuditor_ScenarioIsConsistent(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	_, err := h.loadInProgress(ctx, scenarioUser)
	require.NoError(t, err)

	a := NewBalanceAuditor(h.Engine.Inventory, []generic.TenantID{testTenant, "empty-tenant"}, zerolog.Nop())
	report := a.AuditOnce(ctx)

	assert.Equal(t, 2, report.Tenants)
	assert.Equal(t, len(fixtureItems), report.Checked)
	assert.Empty(t, report.Inconsistent)
	assert.Zero(t, report.Errors)
}

func TestBalanceAuditor_NoTenantsDoesNotStart(t *testing.T) {
	h := setupTestHandler(t)
	a := NewBalanceAuditor(h.Engine.Inventory, nil, zerolog.Nop())

	a.Start()
	defer a.Stop()

	if a.ticker != nil {
		t.Error("Expected no ticker without tenants")
	}
}

func TestBalanceAuditor_StartStop(t *testing.T) {
	h := setupTestHandler(t)
	a := NewBalanceAuditor(h.Engine.Inventory, []generic.TenantID{testTenant}, zerolog.Nop())

	a.Start()
	a.Start() // second start is a no-op
	a.Stop()
	a.Stop()

	assert.Nil(t, a.ticker)
}
