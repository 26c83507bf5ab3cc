package brewing

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel/attribute"
)

// VesselService administers vessels outside batch transitions.
type VesselService struct {
	*core
}

// RegisterVesselRequest describes a new tank.
type RegisterVesselRequest struct {
	Name     string
	Type     generic.VesselType
	Capacity decimal.Decimal
}

func vesselAttr(id generic.VesselID) attribute.KeyValue {
	return attribute.String("vessel.id", string(id))
}

// Register adds an AVAILABLE vessel.
func (s *VesselService) Register(ctx context.Context, p generic.Principal, req RegisterVesselRequest) (v generic.Vessel, err error) {
	ctx, end := s.span(ctx, "VesselService.Register", p)
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return v, err
	}
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		v, err = s.registry.Register(ctx, tx, generic.Vessel{
			TenantID: p.TenantID,
			Name:     req.Name,
			Type:     req.Type,
			Capacity: req.Capacity,
		})
		return err
	})
	if err != nil {
		s.reject("register_vessel", p, err)
		return generic.Vessel{}, err
	}
	s.log.Info().Str("tenant", string(p.TenantID)).Str("vessel_id", string(v.ID)).Str("name", v.Name).Msg("vessel registered")
	return v, nil
}

// Get loads one vessel without locking.
func (s *VesselService) Get(ctx context.Context, p generic.Principal, id generic.VesselID) (generic.Vessel, error) {
	if err := p.Validate(); err != nil {
		return generic.Vessel{}, err
	}
	v, err := s.store.GetVessel(ctx, p.TenantID, id)
	if err != nil {
		return generic.Vessel{}, err
	}
	if v == nil {
		return generic.Vessel{}, &generic.NotFoundError{Resource: "vessel", ID: string(id)}
	}
	return *v, nil
}

// List returns vessels matching f.
func (s *VesselService) List(ctx context.Context, p generic.Principal, f generic.VesselFilter) ([]generic.Vessel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListVessels(ctx, p.TenantID, f)
}

// Available lists AVAILABLE vessels. The answer is lock-free and may be stale.
func (s *VesselService) Available(ctx context.Context, p generic.Principal, minCapacity *decimal.Decimal, vtype generic.VesselType) (out []generic.Vessel, err error) {
	ctx, end := s.span(ctx, "VesselService.Available", p)
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.registry.GetAvailable(ctx, s.store, p.TenantID, minCapacity, vtype)
}

// MarkClean returns a CLEANING vessel to service.
func (s *VesselService) MarkClean(ctx context.Context, p generic.Principal, id generic.VesselID) (generic.Vessel, error) {
	return s.change(ctx, p, "VesselService.MarkClean", id, func(tx generic.Tx) (generic.Vessel, error) {
		return s.registry.MarkClean(ctx, tx, p.TenantID, id)
	})
}

// SetStatus moves an unoccupied vessel to status.
func (s *VesselService) SetStatus(ctx context.Context, p generic.Principal, id generic.VesselID, status generic.VesselStatus) (generic.Vessel, error) {
	return s.change(ctx, p, "VesselService.SetStatus", id, func(tx generic.Tx) (generic.Vessel, error) {
		return s.registry.SetStatus(ctx, tx, p.TenantID, id, status)
	})
}

func (s *VesselService) change(ctx context.Context, p generic.Principal, name string, id generic.VesselID, fn func(generic.Tx) (generic.Vessel, error)) (v generic.Vessel, err error) {
	ctx, end := s.span(ctx, name, p, vesselAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return v, err
	}
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		v, err = fn(tx)
		return err
	})
	if err != nil {
		s.reject(name, p, err)
		return generic.Vessel{}, err
	}
	s.log.Info().Str("tenant", string(p.TenantID)).Str("vessel_id", string(v.ID)).Str("status", string(v.Status)).Msg("vessel status changed")
	return v, nil
}

// Occupations returns the vessel's occupancy history, oldest first.
func (s *VesselService) Occupations(ctx context.Context, p generic.Principal, id generic.VesselID) ([]generic.Occupation, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return s.store.ListOccupations(ctx, p.TenantID, id)
}
