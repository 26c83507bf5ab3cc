package api

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details any    `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind generic.Kind) int {
	switch kind {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindInvalidBatchState, generic.KindConcurrentModification:
		return http.StatusConflict
	case generic.KindDuplicateRequest:
		return http.StatusOK
	case generic.KindInsufficientInventory, generic.KindTankCapacityExceeded:
		return http.StatusUnprocessableEntity
	case generic.KindTankUnavailable:
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

// ShortfallDTO is one short item in an insufficient_inventory response.
type ShortfallDTO struct {
	ItemID    string          `json:"item_id"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

// writeError renders a typed engine error.
func writeError(w http.ResponseWriter, err error) {
	kind := generic.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind), Details: details(err)}
	if kind == generic.KindInternal {
		resp.Error = "internal error"
	}
	writeJSON(w, StatusFor(kind), resp)
}

// writeStatus renders an error that did not come from the engine.
func writeStatus(w http.ResponseWriter, status int, kind string, err error) {
	resp := ErrorResponse{Error: http.StatusText(status), Kind: kind}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func details(err error) any {
	var (
		inv   *generic.InsufficientInventoryError
		state *generic.InvalidBatchStateError
		over  *generic.TankCapacityExceededError
		busy  *generic.TankUnavailableError
		bad   *generic.ValidationError
	)
	switch {
	case errors.As(err, &inv):
		out := make([]ShortfallDTO, len(inv.Shortfalls))
		for i, s := range inv.Shortfalls {
			out[i] = ShortfallDTO{ItemID: string(s.ItemID), SKU: s.SKU, Name: s.Name, Unit: string(s.Unit),
				Required: s.Required, Available: s.Available}
		}
		return map[string]any{"shortfalls": out}
	case errors.As(err, &state):
		return map[string]any{"batch_id": state.BatchID, "operation": state.Operation,
			"current": state.Current, "required": state.Required}
	case errors.As(err, &over):
		return map[string]any{"vessel_id": over.VesselID, "capacity": over.Capacity, "requested": over.Requested}
	case errors.As(err, &busy):
		return map[string]any{"vessel_id": busy.VesselID, "status": busy.Status, "current_batch_id": busy.CurrentBatchID}
	case errors.As(err, &bad):
		return map[string]any{"field": bad.Field}
	}
	return nil
}
