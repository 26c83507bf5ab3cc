package brewing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel/attribute"
)

// BatchService creates batches and moves them through their lifecycle.
type BatchService struct {
	*core
}

// CreateRequest describes a new batch.
type CreateRequest struct {
	RecipeID       generic.RecipeID `json:"recipe_id"`
	VesselID       generic.VesselID `json:"vessel_id"`
	Volume         decimal.Decimal  `json:"volume"`
	PlannedDate    *time.Time       `json:"planned_date,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	IdempotencyKey string           `json:"-"`
}

func (r CreateRequest) validate() error {
	if r.RecipeID == "" {
		return generic.Invalid("recipe_id", "required")
	}
	if r.VesselID == "" {
		return generic.Invalid("vessel_id", "required")
	}
	if !r.Volume.IsPositive() {
		return generic.Invalid("volume", "must be positive")
	}
	return nil
}

// CreateResult is the created batch. Replayed is true when the batch came
// from an earlier request with the same idempotency key.
type CreateResult struct {
	Batch    generic.Batch
	Replayed bool
}

func batchAttr(id generic.BatchID) attribute.KeyValue {
	return attribute.String("batch.id", string(id))
}

// =============================================================================
// CREATE
// =============================================================================

// Create plans a batch: it debits every inventory-linked ingredient,
// acquires the vessel and snapshots the scaled recipe in one transaction.
func (s *BatchService) Create(ctx context.Context, p generic.Principal, req CreateRequest) (res CreateResult, err error) {
	ctx, end := s.span(ctx, "BatchService.Create", p, attribute.String("recipe.id", string(req.RecipeID)))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return res, err
	}
	if err := req.validate(); err != nil {
		return res, err
	}

	fromRow := false
	b, replayed, err := generic.Execute(ctx, s.guard, p.TenantID, req.IdempotencyKey, req,
		func(ctx context.Context) (generic.Batch, error) {
			b, replay, err := s.create(ctx, p, req)
			fromRow = replay
			return b, err
		})
	if err != nil {
		return res, err
	}
	res = CreateResult{Batch: b, Replayed: replayed || fromRow}
	if !res.Replayed {
		s.committed("create", p, b)
	}
	return res, nil
}

func (s *BatchService) create(ctx context.Context, p generic.Principal, req CreateRequest) (generic.Batch, bool, error) {
	recipe, err := s.recipes.GetRecipe(ctx, p.TenantID, req.RecipeID)
	if err != nil {
		return generic.Batch{}, false, err
	}
	if recipe == nil {
		return generic.Batch{}, false, &generic.NotFoundError{Resource: "recipe", ID: string(req.RecipeID)}
	}
	scaled, err := ScaleRecipe(*recipe, req.Volume)
	if err != nil {
		return generic.Batch{}, false, err
	}
	reqs := requirements(scaled)
	itemIDs := make([]generic.ItemID, len(reqs))
	for i, r := range reqs {
		itemIDs[i] = r.ItemID
	}

	var (
		out    generic.Batch
		replay bool
	)
	err = s.mutate(ctx, "create", p, func(tx generic.Tx, rec *recorder) error {
		replay = false
		if req.IdempotencyKey != "" {
			prior, err := tx.GetBatchByIdempotencyKey(ctx, p.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.RecipeID != req.RecipeID || !prior.Volume.Equal(req.Volume) {
					return generic.Invalid("idempotency_key", "key %q was used with a different request", req.IdempotencyKey)
				}
				out, replay = *prior, true
				return nil
			}
		}

		// Items first, then the vessel.
		items := map[generic.ItemID]generic.InventoryItem{}
		if len(itemIDs) > 0 {
			if items, err = s.ledger.LockForUpdate(ctx, tx, p.TenantID, itemIDs); err != nil {
				return err
			}
		}
		for _, sc := range scaled {
			if sc.InventoryItemID == nil {
				continue
			}
			if it, ok := items[*sc.InventoryItemID]; ok && it.Unit != sc.Unit {
				return generic.Invalid("ingredients", "%q is in %s but item %s is stocked in %s", sc.Name, sc.Unit, it.SKU, it.Unit)
			}
		}
		if err := generic.CheckAvailability(items, reqs); err != nil {
			return err
		}
		vessels, err := s.registry.LockForUpdate(ctx, tx, p.TenantID, req.VesselID)
		if err != nil {
			return err
		}
		vessel := vessels[req.VesselID]
		if vessel.Status != generic.VesselAvailable {
			return &generic.TankUnavailableError{VesselID: vessel.ID, Status: vessel.Status, CurrentBatchID: vessel.CurrentBatchID}
		}
		if err := generic.CheckCapacity(vessel, req.Volume); err != nil {
			return err
		}

		now := s.clock()
		seq, err := tx.NextBatchSequence(ctx, p.TenantID, now.Year())
		if err != nil {
			return err
		}
		vesselID := req.VesselID
		b := generic.Batch{
			ID:             generic.BatchID(generic.NewID()),
			TenantID:       p.TenantID,
			BatchNumber:    FormatBatchNumber(now.Year(), seq),
			RecipeID:       recipe.ID,
			RecipeName:     recipe.Name,
			VesselID:       &vesselID,
			Volume:         req.Volume,
			Status:         generic.StatusPlanned,
			PlannedDate:    req.PlannedDate,
			Notes:          req.Notes,
			TargetOG:       recipe.TargetOG,
			IdempotencyKey: req.IdempotencyKey,
			CreatedBy:      p.UserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertBatch(ctx, b); err != nil {
			return err
		}
		if _, err := s.registry.Acquire(ctx, tx, p.TenantID, vesselID, b.ID, generic.PhaseBrewing); err != nil {
			return err
		}

		batchID := b.ID
		ingredients := make([]generic.BatchIngredient, 0, len(scaled))
		for _, sc := range scaled {
			if sc.InventoryItemID != nil && sc.Required.IsPositive() {
				if _, err := s.ledger.Append(ctx, tx, generic.LedgerEntry{
					TenantID: p.TenantID,
					ItemID:   *sc.InventoryItemID,
					Quantity: sc.Required.Neg(),
					Type:     generic.EntryConsumption,
					BatchID:  &batchID,
					Note:     fmt.Sprintf("%s: %s", b.BatchNumber, sc.Name),
					Actor:    p.UserID,
				}); err != nil {
					return err
				}
			}
			ingredients = append(ingredients, generic.BatchIngredient{
				ID:            generic.NewID(),
				TenantID:      p.TenantID,
				BatchID:       b.ID,
				ItemID:        sc.InventoryItemID,
				Name:          sc.Name,
				Category:      sc.Category,
				PlannedAmount: sc.Required,
				Unit:          sc.Unit,
			})
		}
		if err := tx.InsertIngredients(ctx, ingredients); err != nil {
			return err
		}

		if err := rec.record(ctx, tx, b, generic.EventCreated, "Batch created",
			fmt.Sprintf("%s of %s planned in %s", b.Volume.String()+" L", recipe.Name, vessel.Name),
			map[string]any{"volume": b.Volume, "vessel_id": vesselID, "ingredients": len(ingredients)}); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, replay, err
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// StartBrewing moves PLANNED → BREWING and records the original gravity.
func (s *BatchService) StartBrewing(ctx context.Context, p generic.Principal, id generic.BatchID, og *decimal.Decimal) (b generic.Batch, err error) {
	ctx, end := s.span(ctx, "BatchService.StartBrewing", p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return b, err
	}
	if og != nil {
		if err := validGravity("original_gravity", *og); err != nil {
			return b, err
		}
	}
	err = s.mutate(ctx, "start_brewing", p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, id)
		if err != nil {
			return err
		}
		l, err := s.lockAll(ctx, tx, p, snap, nil)
		if err != nil {
			return err
		}
		cur := l.batch
		if err := requireTransition(cur, "start brewing", generic.StatusBrewing); err != nil {
			return err
		}
		now := s.clock()
		cur.Status = generic.StatusBrewing
		cur.BrewedAt = &now
		if og != nil {
			cur.OriginalGravity = og
			cur.CurrentGravity = og
		}
		cur.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}
		if err := rec.record(ctx, tx, cur, generic.EventBrewingStarted, "Brewing started", "",
			map[string]any{"original_gravity": og}); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err == nil {
		s.committed("start_brewing", p, b)
	}
	return b, err
}

// StartFermentation moves BREWING → FERMENTING. A different vessel moves
// the batch: the old vessel goes to CLEANING in the same transaction.
func (s *BatchService) StartFermentation(ctx context.Context, p generic.Principal, id generic.BatchID, vesselID *generic.VesselID) (generic.Batch, error) {
	return s.advance(ctx, p, stage{
		op:    "start_fermentation",
		span:  "BatchService.StartFermentation",
		verb:  "start fermentation",
		to:    generic.StatusFermenting,
		phase: generic.PhaseFermentation,
		event: generic.EventFermentationStarted,
		title: "Fermentation started",
		stamp: func(b *generic.Batch, t time.Time) { b.FermentationStartedAt = &t },
	}, id, vesselID)
}

// TransferToConditioning moves FERMENTING → CONDITIONING, optionally into
// another vessel.
func (s *BatchService) TransferToConditioning(ctx context.Context, p generic.Principal, id generic.BatchID, vesselID *generic.VesselID) (generic.Batch, error) {
	return s.advance(ctx, p, stage{
		op:    "transfer_to_conditioning",
		span:  "BatchService.TransferToConditioning",
		verb:  "transfer to conditioning",
		to:    generic.StatusConditioning,
		phase: generic.PhaseConditioning,
		event: generic.EventConditioningStarted,
		title: "Conditioning started",
		stamp: func(b *generic.Batch, t time.Time) { b.ConditioningStartedAt = &t },
	}, id, vesselID)
}

// stage describes one vessel-aware lifecycle step.
type stage struct {
	op, span, verb string
	to             generic.BatchStatus
	phase          generic.Phase
	event          generic.EventType
	title          string
	stamp          func(*generic.Batch, time.Time)
}

func (s *BatchService) advance(ctx context.Context, p generic.Principal, st stage, id generic.BatchID, target *generic.VesselID) (b generic.Batch, err error) {
	ctx, end := s.span(ctx, st.span, p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return b, err
	}
	err = s.mutate(ctx, st.op, p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, id)
		if err != nil {
			return err
		}
		old := vesselOf(snap)
		move := target != nil && *target != "" && *target != old
		var extra []generic.VesselID
		if move {
			extra = append(extra, *target)
		}
		l, err := s.lockAll(ctx, tx, p, snap, nil, extra...)
		if err != nil {
			return err
		}
		cur := l.batch
		if err := requireTransition(cur, st.verb, st.to); err != nil {
			return err
		}

		now := s.clock()
		if move {
			next := l.vessels[*target]
			if next.Status != generic.VesselAvailable {
				return &generic.TankUnavailableError{VesselID: next.ID, Status: next.Status, CurrentBatchID: next.CurrentBatchID}
			}
			if err := generic.CheckCapacity(next, cur.Volume); err != nil {
				return err
			}
			if old != "" {
				if _, err := s.registry.Release(ctx, tx, p.TenantID, old, cur.ID, generic.VesselCleaning); err != nil {
					return err
				}
			}
			if _, err := s.registry.Acquire(ctx, tx, p.TenantID, next.ID, cur.ID, st.phase); err != nil {
				return err
			}
			nextID := next.ID
			cur.VesselID = &nextID
			if err := rec.record(ctx, tx, cur, generic.EventVesselTransferred, "Transferred to "+next.Name, "",
				map[string]any{"from_vessel_id": old, "to_vessel_id": next.ID}); err != nil {
				return err
			}
		} else if old != "" {
			if err := s.registry.ChangePhase(ctx, tx, p.TenantID, old, cur.ID, st.phase); err != nil {
				return err
			}
		}

		cur.Status = st.to
		st.stamp(&cur, now)
		cur.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}
		if err := rec.record(ctx, tx, cur, st.event, st.title, "",
			map[string]any{"vessel_id": vesselOf(cur)}); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err == nil {
		s.committed(st.op, p, b)
	}
	return b, err
}

// MarkReady moves FERMENTING or CONDITIONING → READY. With both gravities
// known the batch's ABV is computed.
func (s *BatchService) MarkReady(ctx context.Context, p generic.Principal, id generic.BatchID, fg *decimal.Decimal) (b generic.Batch, err error) {
	ctx, end := s.span(ctx, "BatchService.MarkReady", p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return b, err
	}
	if fg != nil {
		if err := validGravity("final_gravity", *fg); err != nil {
			return b, err
		}
	}
	err = s.mutate(ctx, "mark_ready", p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, id)
		if err != nil {
			return err
		}
		l, err := s.lockAll(ctx, tx, p, snap, nil)
		if err != nil {
			return err
		}
		cur := l.batch
		if err := requireTransition(cur, "mark ready", generic.StatusReady); err != nil {
			return err
		}
		if fg != nil {
			if cur.OriginalGravity != nil && fg.GreaterThan(*cur.OriginalGravity) {
				return generic.Invalid("final_gravity", "%s is above original gravity %s", fg, cur.OriginalGravity)
			}
			cur.FinalGravity = fg
			cur.CurrentGravity = fg
		}
		if cur.OriginalGravity != nil && cur.FinalGravity != nil {
			abv := ABV(*cur.OriginalGravity, *cur.FinalGravity)
			cur.ABV = &abv
		}
		now := s.clock()
		cur.Status = generic.StatusReady
		cur.ReadyAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}
		if err := rec.record(ctx, tx, cur, generic.EventReady, "Ready for packaging", "",
			map[string]any{"final_gravity": cur.FinalGravity, "abv": cur.ABV}); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err == nil {
		s.committed("mark_ready", p, b)
	}
	return b, err
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel compensates a batch: every open CONSUMPTION and PRODUCTION entry
// gets an offsetting REVERSAL, the vessel returns to AVAILABLE and the batch
// becomes CANCELLED. No row is edited or deleted.
func (s *BatchService) Cancel(ctx context.Context, p generic.Principal, id generic.BatchID, reason string) (b generic.Batch, err error) {
	ctx, end := s.span(ctx, "BatchService.Cancel", p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return b, err
	}
	if reason == "" {
		return b, generic.Invalid("reason", "required")
	}
	err = s.mutate(ctx, "cancel", p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, id)
		if err != nil {
			return err
		}
		if err := requireTransition(snap, "cancel", generic.StatusCancelled); err != nil {
			return err
		}
		open, err := openEntries(ctx, tx, p, id)
		if err != nil {
			return err
		}
		itemIDs := make([]generic.ItemID, len(open))
		for i, e := range open {
			itemIDs[i] = e.ItemID
		}

		l, err := s.lockAll(ctx, tx, p, snap, itemIDs)
		if err != nil {
			return err
		}
		cur := l.batch
		if err := requireTransition(cur, "cancel", generic.StatusCancelled); err != nil {
			return err
		}
		// Re-read under the batch lock; nothing may have escaped the item locks.
		if open, err = openEntries(ctx, tx, p, id); err != nil {
			return err
		}
		for _, e := range open {
			if _, ok := l.items[e.ItemID]; !ok {
				return &generic.ConflictError{Op: "cancel " + string(id), Err: fmt.Errorf("item %s entered the batch while locking", e.ItemID)}
			}
		}

		note := fmt.Sprintf("cancel %s: %s", cur.BatchNumber, reason)
		for _, e := range open {
			if _, err := s.ledger.Reverse(ctx, tx, e, p.UserID, note); err != nil {
				return err
			}
		}

		if vid := vesselOf(cur); vid != "" {
			v := l.vessels[vid]
			if v.CurrentBatchID != nil && *v.CurrentBatchID == cur.ID {
				if _, err := s.registry.Release(ctx, tx, p.TenantID, vid, cur.ID, generic.VesselAvailable); err != nil {
					return err
				}
			}
		}

		now := s.clock()
		cur.Status = generic.StatusCancelled
		cur.CancelledAt = &now
		cur.CancelReason = reason
		cur.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}
		if err := rec.record(ctx, tx, cur, generic.EventCancelled, "Batch cancelled", reason,
			map[string]any{"reversed_entries": len(open), "previous_status": snap.Status}); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err == nil {
		s.committed("cancel", p, b)
	}
	return b, err
}

// openEntries returns the batch's CONSUMPTION and PRODUCTION entries that
// have no REVERSAL yet.
func openEntries(ctx context.Context, r generic.Reader, p generic.Principal, id generic.BatchID) ([]generic.LedgerEntry, error) {
	all, err := r.ListLedgerEntries(ctx, p.TenantID, generic.LedgerFilter{BatchID: id})
	if err != nil {
		return nil, err
	}
	var movable []generic.LedgerEntry
	for _, e := range all {
		if e.Type == generic.EntryConsumption || e.Type == generic.EntryProduction {
			movable = append(movable, e)
		}
	}
	return generic.Unreversed(movable, all), nil
}

// =============================================================================
// GRAVITY READINGS
// =============================================================================

// ReadingRequest is one gravity sample.
type ReadingRequest struct {
	Gravity     decimal.Decimal
	Temperature decimal.Decimal
	Notes       string
}

var (
	minTemperature = decimal.NewFromInt(-5)
	maxTemperature = decimal.NewFromInt(100)
)

// ReadingResult is the stored reading and the batch with its new
// current-gravity projection.
type ReadingResult struct {
	Batch   generic.Batch
	Reading generic.GravityReading
}

// AddGravityReading appends a reading in any status.
func (s *BatchService) AddGravityReading(ctx context.Context, p generic.Principal, id generic.BatchID, req ReadingRequest) (res ReadingResult, err error) {
	ctx, end := s.span(ctx, "BatchService.AddGravityReading", p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return res, err
	}
	if err := validGravity("gravity", req.Gravity); err != nil {
		return res, err
	}
	if req.Temperature.LessThan(minTemperature) || req.Temperature.GreaterThan(maxTemperature) {
		return res, generic.Invalid("temperature", "%s °C outside %s..%s", req.Temperature, minTemperature, maxTemperature)
	}
	err = s.mutate(ctx, "add_gravity_reading", p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, id)
		if err != nil {
			return err
		}
		l, err := s.lockAll(ctx, tx, p, snap, nil)
		if err != nil {
			return err
		}
		cur := l.batch
		now := s.clock()
		reading := generic.GravityReading{
			ID:          generic.NewID(),
			TenantID:    p.TenantID,
			BatchID:     cur.ID,
			Gravity:     req.Gravity,
			Temperature: req.Temperature,
			Notes:       req.Notes,
			Actor:       p.UserID,
			RecordedAt:  now,
		}
		if err := tx.InsertGravityReading(ctx, reading); err != nil {
			return err
		}
		g := req.Gravity
		cur.CurrentGravity = &g
		cur.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}
		if err := rec.record(ctx, tx, cur, generic.EventGravityReading, "Gravity "+g.StringFixed(3), req.Notes,
			map[string]any{"gravity": g, "temperature": req.Temperature}); err != nil {
			return err
		}
		res = ReadingResult{Batch: cur, Reading: reading}
		return nil
	})
	if err == nil {
		s.committed("add_gravity_reading", p, res.Batch)
	}
	return res, err
}

// =============================================================================
// QUERIES
// =============================================================================

// Include selects the child collections GetByID loads.
type Include struct {
	Ingredients bool
	Timeline    bool
	Readings    bool
	Packaging   bool
}

// BatchDetail is a batch with optional children.
type BatchDetail struct {
	Batch         generic.Batch
	Ingredients   []generic.BatchIngredient
	Timeline      []generic.TimelineEvent
	Readings      []generic.GravityReading
	PackagingRuns []generic.PackagingRun
}

// GetByID loads a batch without locking.
func (s *BatchService) GetByID(ctx context.Context, p generic.Principal, id generic.BatchID, inc Include) (d BatchDetail, err error) {
	ctx, end := s.span(ctx, "BatchService.GetByID", p, batchAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return d, err
	}
	if d.Batch, err = readBatch(ctx, s.store, p, id); err != nil {
		return d, err
	}
	if inc.Ingredients {
		if d.Ingredients, err = s.store.ListIngredients(ctx, p.TenantID, id); err != nil {
			return d, err
		}
	}
	if inc.Timeline {
		if d.Timeline, err = s.store.ListTimeline(ctx, p.TenantID, id); err != nil {
			return d, err
		}
	}
	if inc.Readings {
		if d.Readings, err = s.store.ListGravityReadings(ctx, p.TenantID, id); err != nil {
			return d, err
		}
	}
	if inc.Packaging {
		if d.PackagingRuns, err = s.store.ListPackagingRuns(ctx, p.TenantID, id); err != nil {
			return d, err
		}
	}
	return d, nil
}

// List returns the tenant's batches, newest first.
func (s *BatchService) List(ctx context.Context, p generic.Principal, f generic.BatchFilter) (out []generic.Batch, err error) {
	ctx, end := s.span(ctx, "BatchService.List", p)
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, generic.Invalid("status", "unknown batch status %q", f.Status)
	}
	return s.store.ListBatches(ctx, p.TenantID, f)
}

// =============================================================================
// PLAN (advisory)
// =============================================================================

// PlanRequest asks whether a batch could be created now.
type PlanRequest struct {
	RecipeID generic.RecipeID
	VesselID generic.VesselID // optional
	Volume   decimal.Decimal
}

// PlanResult is a lock-free projection. It holds no stock and no vessel.
type PlanResult struct {
	Ingredients []ScaledIngredient
	Projection  generic.Projection
	Vessel      *generic.Vessel
	// VesselErr is the TankUnavailable or TankCapacityExceeded error Create
	// would return for the vessel, if any.
	VesselErr error
}

// Feasible reports whether Create would pass every check now.
func (r PlanResult) Feasible() bool {
	return r.Projection.Feasible() && r.VesselErr == nil
}

// Plan scales the recipe and projects the stock and vessel checks of Create
// without taking locks. The result may be stale by the time Create runs.
func (s *BatchService) Plan(ctx context.Context, p generic.Principal, req PlanRequest) (res PlanResult, err error) {
	ctx, end := s.span(ctx, "BatchService.Plan", p, attribute.String("recipe.id", string(req.RecipeID)))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return res, err
	}
	if req.RecipeID == "" {
		return res, generic.Invalid("recipe_id", "required")
	}
	if !req.Volume.IsPositive() {
		return res, generic.Invalid("volume", "must be positive")
	}
	recipe, err := s.recipes.GetRecipe(ctx, p.TenantID, req.RecipeID)
	if err != nil {
		return res, err
	}
	if recipe == nil {
		return res, &generic.NotFoundError{Resource: "recipe", ID: string(req.RecipeID)}
	}
	if res.Ingredients, err = ScaleRecipe(*recipe, req.Volume); err != nil {
		return res, err
	}
	if res.Projection, err = generic.Project(ctx, s.store, p.TenantID, requirements(res.Ingredients)); err != nil {
		return res, err
	}

	if req.VesselID != "" {
		v, err := s.store.GetVessel(ctx, p.TenantID, req.VesselID)
		if err != nil {
			return res, err
		}
		if v == nil {
			return res, &generic.NotFoundError{Resource: "vessel", ID: string(req.VesselID)}
		}
		res.Vessel = v
		if v.Status != generic.VesselAvailable {
			res.VesselErr = &generic.TankUnavailableError{VesselID: v.ID, Status: v.Status, CurrentBatchID: v.CurrentBatchID}
		} else {
			res.VesselErr = generic.CheckCapacity(*v, req.Volume)
		}
	}
	return res, nil
}
