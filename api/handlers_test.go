/*
handlers_test.go - HTTP tests for the batch and inventory handlers

Tests for:
- Batch creation, replay and the insufficient inventory response
- Identity from headers and from bearer tokens
- Error mapping for unknown batches and malformed bodies
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/factory"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/generic/store"
	"github.com/warp/batch-engine/store/sqlite"
)

const testTenant = "brewery-1"

func testClock() time.Time {
	return time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
}

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine := brewing.New(brewing.Config{
		Store:   db,
		Guard:   generic.NewGuard(store.NewMemory(), time.Hour, time.Second, generic.SystemClock, zerolog.Nop()),
		Catalog: factory.DefaultCatalog(),
		Logger:  zerolog.Nop(),
		Clock:   testClock,
	})
	return NewHandler(engine, nil, zerolog.Nop())
}

type client struct {
	t      *testing.T
	router http.Handler
	tenant string
	token  string
}

func newClient(t *testing.T, h *Handler) *client {
	return &client{t: t, router: NewRouter(h, ""), tenant: testTenant}
}

func (c *client) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(c.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.tenant != "" {
		req.Header.Set(HeaderTenant, c.tenant)
		req.Header.Set(HeaderUser, "brewer@example.com")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func loadBasic(t *testing.T, c *client) ScenarioResult {
	t.Helper()
	rec := c.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "brewhouse-basic"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[ScenarioResult](t, rec)
}

func createBody(res ScenarioResult, vessel, volume string) CreateBatchRequest {
	return CreateBatchRequest{
		RecipeID: res.Recipes["pale-ale"],
		VesselID: res.Vessels[vessel],
		Volume:   decimal.RequireFromString(volume),
	}
}

// =============================================================================
// BATCHES
// =============================================================================

func TestCreateBatch_CreatedThenReplayed(t *testing.T) {
	// GIVEN: The basic brewhouse
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	body := createBody(res, "FV-1", "500")

	// WHEN: Creating a batch twice with one idempotency key
	first := c.do(http.MethodPost, "/api/batches", body, HeaderIdempotencyKey, "brew-001")
	second := c.do(http.MethodPost, "/api/batches", body, HeaderIdempotencyKey, "brew-001")

	// THEN: The first is 201, the replay is 200 with the same batch
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Empty(t, first.Header().Get(HeaderReplayed))
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))

	a := decodeBody[BatchDTO](t, first)
	b := decodeBody[BatchDTO](t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "B-2026-0001", a.BatchNumber)
	assert.Equal(t, string(generic.StatusPlanned), a.Status)
	require.NotNil(t, a.VesselID)
	assert.Equal(t, res.Vessels["FV-1"], *a.VesselID)

	// Malt was debited once.
	item := c.do(http.MethodGet, "/api/inventory/"+res.Items["malt"], nil)
	require.Equal(t, http.StatusOK, item.Code)
	malt := decodeBody[ItemDTO](t, item)
	assert.True(t, decimal.NewFromInt(100).Equal(malt.CachedBalance), "got %s", malt.CachedBalance)
}

func TestCreateBatch_InsufficientInventory(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	rec := c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "500"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// 100 kg malt left; a 1000 L batch needs 200.
	rec = c.do(http.MethodPost, "/api/batches", createBody(res, "FV-2", "1000"))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	type shortfallResponse struct {
		Kind    string         `json:"kind"`
		Details []ShortfallDTO `json:"details"`
	}
	resp := decodeBody[shortfallResponse](t, rec)
	assert.Equal(t, string(generic.KindInsufficientInventory), resp.Kind)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "MALT-2ROW", resp.Details[0].SKU)
	assert.True(t, decimal.NewFromInt(200).Equal(resp.Details[0].Required))
	assert.True(t, decimal.NewFromInt(100).Equal(resp.Details[0].Available))
}

func TestCreateBatch_BusyVesselIsLocked(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "250")).Code)

	rec := c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "250"))

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, string(generic.KindTankUnavailable), decodeBody[ErrorResponse](t, rec).Kind)
}

func TestGetBatch_IncludeAndNotFound(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	created := decodeBody[BatchDTO](t, c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "500")))

	rec := c.do(http.MethodGet, "/api/batches/"+created.ID+"?include=ingredients,timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decodeBody[BatchDetailDTO](t, rec)
	assert.Equal(t, created.ID, detail.ID)
	assert.Len(t, detail.Ingredients, 4)
	require.Len(t, detail.Timeline, 1)
	assert.Equal(t, "CREATED", detail.Timeline[0].Type)
	assert.Empty(t, detail.Readings, "readings not requested")

	missing := c.do(http.MethodGet, "/api/batches/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, string(generic.KindNotFound), decodeBody[ErrorResponse](t, missing).Kind)
}

func TestBatchLifecycle_OverHTTP(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	b := decodeBody[BatchDTO](t, c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "500")))
	path := "/api/batches/" + b.ID

	steps := []struct {
		path   string
		body   any
		status string
	}{
		{path + "/brew", StartBrewingRequest{OriginalGravity: decPtr("1.052")}, "BREWING"},
		{path + "/ferment", nil, "FERMENTING"},
		{path + "/condition", nil, "CONDITIONING"},
		{path + "/ready", MarkReadyRequest{FinalGravity: decPtr("1.010")}, "READY"},
	}
	for _, s := range steps {
		rec := c.do(http.MethodPost, s.path, s.body)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", s.path, rec.Body.String())
		assert.Equal(t, s.status, decodeBody[BatchDTO](t, rec).Status)
	}

	// Going back is a state conflict.
	rec := c.do(http.MethodPost, path+"/ferment", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = c.do(http.MethodPost, path+"/packaging", PackageRequest{PackageType: "keg_half", Quantity: 8})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pkg := decodeBody[PackageResponse](t, rec)
	assert.False(t, pkg.Completed)
	assert.True(t, decimal.RequireFromString("30.64").Equal(pkg.Remaining), "got %s", pkg.Remaining)
	assert.Equal(t, "PACKAGING", pkg.Batch.Status)
}

func TestCancelBatch_RequiresReason(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)
	b := decodeBody[BatchDTO](t, c.do(http.MethodPost, "/api/batches", createBody(res, "FV-1", "500")))

	rec := c.do(http.MethodPost, "/api/batches/"+b.ID+"/cancel", CancelRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/api/batches/"+b.ID+"/cancel", CancelRequest{Reason: "boil-over"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[BatchDTO](t, rec).Status)

	malt := decodeBody[ItemDTO](t, c.do(http.MethodGet, "/api/inventory/"+res.Items["malt"], nil))
	assert.True(t, decimal.NewFromInt(200).Equal(malt.CachedBalance), "stock restored, got %s", malt.CachedBalance)
}

func TestPlanBatch_ReportsShortfall(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	res := loadBasic(t, c)

	rec := c.do(http.MethodPost, "/api/batches/plan", PlanBatchRequest{
		RecipeID: res.Recipes["pale-ale"], VesselID: res.Vessels["FV-1"], Volume: decimal.NewFromInt(1500),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeBody[PlanResponse](t, rec)
	assert.False(t, plan.Feasible)
	require.NotNil(t, plan.VesselIssue, "1500 L does not fit a 1000 L fermenter")
	assert.Equal(t, string(generic.KindTankCapacityExceeded), plan.VesselIssue.Kind)
	var short int
	for _, line := range plan.Inventory {
		if line.Short {
			short++
		}
	}
	assert.Equal(t, 1, short, "only malt runs out")
}

// =============================================================================
// REQUEST HANDLING
// =============================================================================

func TestMalformedBody(t *testing.T) {
	c := newClient(t, setupTestHandler(t))

	rec := c.do(http.MethodPost, "/api/batches", "{not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(generic.KindValidation), decodeBody[ErrorResponse](t, rec).Kind)
}

func TestIdentity_HeadersRequired(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	c.tenant = ""

	rec := c.do(http.MethodGet, "/api/batches", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_BearerToken(t *testing.T) {
	h := setupTestHandler(t)
	const secret = "test-secret"
	c := &client{t: t, router: NewRouter(h, secret)}

	// No token.
	rec := c.do(http.MethodGet, "/api/inventory", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key.
	bad, err := IssueToken("other", generic.Principal{TenantID: testTenant, UserID: "u"}, time.Minute)
	require.NoError(t, err)
	c.token = bad
	rec = c.do(http.MethodGet, "/api/inventory", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token scopes the request to its tenant.
	good, err := IssueToken(secret, generic.Principal{TenantID: testTenant, UserID: "u"}, time.Minute)
	require.NoError(t, err)
	c.token = good
	rec = c.do(http.MethodPost, "/api/inventory", CreateItemRequest{SKU: "MALT", Name: "Malt", Unit: "kg"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	items, err := h.Engine.Inventory.ListItems(context.Background(), generic.Principal{TenantID: testTenant, UserID: "u"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestHealth(t *testing.T) {
	c := newClient(t, setupTestHandler(t))
	c.tenant = ""

	rec := c.do(http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind generic.Kind
		want int
	}{
		{generic.KindValidation, http.StatusBadRequest},
		{generic.KindNotFound, http.StatusNotFound},
		{generic.KindInvalidBatchState, http.StatusConflict},
		{generic.KindConcurrentModification, http.StatusConflict},
		{generic.KindInsufficientInventory, http.StatusUnprocessableEntity},
		{generic.KindTankCapacityExceeded, http.StatusUnprocessableEntity},
		{generic.KindTankUnavailable, http.StatusLocked},
		{generic.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.kind))
		})
	}
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
