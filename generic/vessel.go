/*
vessel.go - Vessel/equipment registry

PURPOSE:
  Tracks exclusive occupancy of a finite set of physical tanks. A vessel
  is held by at most one batch; every hold is an Occupation row that is
  opened on Acquire and closed (never deleted) on Release.

INVARIANT:
  status == OCCUPIED ⇔ currentBatchId != nil ⇔ an open Occupation exists

CONCURRENCY:
  There is deliberately no optimistic version counter on vessels.
  Acquire re-reads the row under an exclusive lock inside the caller's
  serializable transaction; two concurrent acquirers of one vessel are
  serialized by that lock and the second observes OCCUPIED.

CAPACITY:
  Callers check capacity with CheckCapacity before acquisition.

PHASES:
  A batch that stays in its vessel across a stage change gets a new
  Occupation per phase (ChangePhase); the vessel never leaves OCCUPIED.

STATUS CHANGES OUTSIDE A BATCH:
  CLEANING → AVAILABLE via MarkClean; AVAILABLE/CLEANING ⇄ MAINTENANCE /
  OUT_OF_SERVICE via SetStatus. Nothing but Acquire/Release may move a
  vessel into or out of OCCUPIED.

SEE ALSO:
  - store.go: LockVessels, UpdateVessel, InsertOccupation, CloseOccupation
  - brewing/service.go: Acquire/Release inside batch transitions
*/
package generic

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages vessel occupancy inside caller-owned transactions.
type Registry struct {
	Clock Clock
}

func NewRegistry(clock Clock) *Registry {
	return &Registry{Clock: clock}
}

// GetAvailable lists AVAILABLE vessels without locking. The result is for
// display and may be stale.
func (g *Registry) GetAvailable(ctx context.Context, r Reader, tenant TenantID, minCapacity *decimal.Decimal, vtype VesselType) ([]Vessel, error) {
	return r.ListVessels(ctx, tenant, VesselFilter{
		Status:      VesselAvailable,
		Type:        vtype,
		MinCapacity: minCapacity,
	})
}

// LockForUpdate locks the given vessels in id order and returns them keyed
// by id. Any missing id fails the call.
func (g *Registry) LockForUpdate(ctx context.Context, tx Tx, tenant TenantID, ids ...VesselID) (map[VesselID]Vessel, error) {
	ordered := SortedVesselIDs(ids)
	rows, err := tx.LockVessels(ctx, tenant, ordered)
	if err != nil {
		return nil, err
	}
	locked := make(map[VesselID]Vessel, len(rows))
	for _, v := range rows {
		locked[v.ID] = v
	}
	for _, id := range ordered {
		if _, ok := locked[id]; !ok {
			return nil, &NotFoundError{Resource: "vessel", ID: string(id)}
		}
	}
	return locked, nil
}

// CheckCapacity fails with TankCapacityExceeded when volume > capacity.
func CheckCapacity(v Vessel, volume decimal.Decimal) error {
	if volume.GreaterThan(v.Capacity) {
		return &TankCapacityExceededError{VesselID: v.ID, Capacity: v.Capacity, Requested: volume}
	}
	return nil
}

// Acquire marks the vessel OCCUPIED by batchID and opens an Occupation.
// The status check happens under the row lock.
func (g *Registry) Acquire(ctx context.Context, tx Tx, tenant TenantID, id VesselID, batchID BatchID, phase Phase) (Vessel, error) {
	locked, err := g.LockForUpdate(ctx, tx, tenant, id)
	if err != nil {
		return Vessel{}, err
	}
	v := locked[id]
	if v.Status != VesselAvailable {
		return Vessel{}, &TankUnavailableError{VesselID: id, Status: v.Status, CurrentBatchID: v.CurrentBatchID}
	}

	now := g.Clock.now()
	b := batchID
	v.Status = VesselOccupied
	v.CurrentBatchID = &b
	v.UpdatedAt = now
	if err := tx.UpdateVessel(ctx, v); err != nil {
		return Vessel{}, err
	}
	if err := tx.InsertOccupation(ctx, Occupation{
		ID:        NewID(),
		TenantID:  tenant,
		VesselID:  id,
		BatchID:   batchID,
		Phase:     phase,
		StartedAt: now,
	}); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

// Release closes the open Occupation held by batchID, clears the batch and
// moves the vessel to next (typically CLEANING).
func (g *Registry) Release(ctx context.Context, tx Tx, tenant TenantID, id VesselID, batchID BatchID, next VesselStatus) (Vessel, error) {
	if next == VesselOccupied || !next.Valid() {
		return Vessel{}, Invalid("status", "cannot release vessel into %q", next)
	}
	locked, err := g.LockForUpdate(ctx, tx, tenant, id)
	if err != nil {
		return Vessel{}, err
	}
	v := locked[id]
	if v.Status != VesselOccupied || v.CurrentBatchID == nil || *v.CurrentBatchID != batchID {
		return Vessel{}, fmt.Errorf("%w: vessel %s is %s and not held by batch %s", ErrInternal, id, v.Status, batchID)
	}

	now := g.Clock.now()
	occ, err := tx.GetOpenOccupation(ctx, tenant, id)
	if err != nil {
		return Vessel{}, err
	}
	if occ != nil {
		if err := tx.CloseOccupation(ctx, tenant, occ.ID, now); err != nil {
			return Vessel{}, err
		}
	}
	v.Status = next
	v.CurrentBatchID = nil
	v.UpdatedAt = now
	if err := tx.UpdateVessel(ctx, v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

// ChangePhase ends the batch's open Occupation on the vessel and opens a
// new one for phase. The vessel stays OCCUPIED throughout.
func (g *Registry) ChangePhase(ctx context.Context, tx Tx, tenant TenantID, id VesselID, batchID BatchID, phase Phase) error {
	locked, err := g.LockForUpdate(ctx, tx, tenant, id)
	if err != nil {
		return err
	}
	v := locked[id]
	if v.Status != VesselOccupied || v.CurrentBatchID == nil || *v.CurrentBatchID != batchID {
		return fmt.Errorf("%w: vessel %s is %s and not held by batch %s", ErrInternal, id, v.Status, batchID)
	}
	occ, err := tx.GetOpenOccupation(ctx, tenant, id)
	if err != nil {
		return err
	}
	if occ != nil && occ.Phase == phase {
		return nil
	}
	now := g.Clock.now()
	if occ != nil {
		if err := tx.CloseOccupation(ctx, tenant, occ.ID, now); err != nil {
			return err
		}
	}
	return tx.InsertOccupation(ctx, Occupation{
		ID:        NewID(),
		TenantID:  tenant,
		VesselID:  id,
		BatchID:   batchID,
		Phase:     phase,
		StartedAt: now,
	})
}

// Register inserts a new AVAILABLE vessel.
func (g *Registry) Register(ctx context.Context, tx Tx, v Vessel) (Vessel, error) {
	if v.TenantID == "" {
		return Vessel{}, Invalid("tenant_id", "required")
	}
	if v.Name == "" {
		return Vessel{}, Invalid("name", "required")
	}
	if !v.Capacity.IsPositive() {
		return Vessel{}, Invalid("capacity", "must be positive")
	}
	switch v.Type {
	case VesselBrewhouse, VesselFermenter, VesselBrite, VesselUnitank:
	case "":
		v.Type = VesselFermenter
	default:
		return Vessel{}, Invalid("type", "unknown vessel type %q", v.Type)
	}
	now := g.Clock.now()
	if v.ID == "" {
		v.ID = VesselID(NewID())
	}
	v.Status = VesselAvailable
	v.CurrentBatchID = nil
	v.CreatedAt = now
	v.UpdatedAt = now
	if err := tx.InsertVessel(ctx, v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

// MarkClean moves a CLEANING vessel back to AVAILABLE.
func (g *Registry) MarkClean(ctx context.Context, tx Tx, tenant TenantID, id VesselID) (Vessel, error) {
	locked, err := g.LockForUpdate(ctx, tx, tenant, id)
	if err != nil {
		return Vessel{}, err
	}
	v := locked[id]
	if v.Status != VesselCleaning {
		return Vessel{}, Invalid("status", "vessel %s is %s, expected %s", id, v.Status, VesselCleaning)
	}
	v.Status = VesselAvailable
	v.UpdatedAt = g.Clock.now()
	if err := tx.UpdateVessel(ctx, v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

// SetStatus moves an unoccupied vessel between AVAILABLE, CLEANING,
// MAINTENANCE and OUT_OF_SERVICE.
func (g *Registry) SetStatus(ctx context.Context, tx Tx, tenant TenantID, id VesselID, status VesselStatus) (Vessel, error) {
	if !status.Valid() || status == VesselOccupied {
		return Vessel{}, Invalid("status", "cannot set vessel status to %q", status)
	}
	locked, err := g.LockForUpdate(ctx, tx, tenant, id)
	if err != nil {
		return Vessel{}, err
	}
	v := locked[id]
	if v.Status == VesselOccupied {
		return Vessel{}, &TankUnavailableError{VesselID: id, Status: v.Status, CurrentBatchID: v.CurrentBatchID}
	}
	v.Status = status
	v.UpdatedAt = g.Clock.now()
	if err := tx.UpdateVessel(ctx, v); err != nil {
		return Vessel{}, err
	}
	return v, nil
}

// SortedVesselIDs returns a de-duplicated copy of ids in lock order.
func SortedVesselIDs(ids []VesselID) []VesselID {
	seen := make(map[VesselID]bool, len(ids))
	out := make([]VesselID, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
