package brewing

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/warp/batch-engine/events"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Catalog resolves package types for packaging runs.
type Catalog interface {
	Resolve(packageType string) (generic.PackageSpec, error)
}

// Config carries the collaborators shared by every service.
type Config struct {
	Store generic.Store
	// Recipes defaults to Store. It is consulted before the transaction opens.
	Recipes generic.RecipeSource
	// Guard deduplicates requests by idempotency key; nil disables the fast path.
	Guard   *generic.Guard
	Catalog Catalog
	Events  events.Publisher
	Logger  zerolog.Logger
	Clock   generic.Clock
	Tracer  trace.Tracer
}

// Engine bundles the services over one store.
type Engine struct {
	Batches   *BatchService
	Packaging *PackagingService
	Inventory *InventoryService
	Vessels   *VesselService
	Recipes   *RecipeService
}

// New wires the services. Missing optional collaborators get defaults.
func New(cfg Config) *Engine {
	c := newCore(cfg)
	return &Engine{
		Batches:   &BatchService{core: c},
		Packaging: &PackagingService{core: c, catalog: cfg.Catalog},
		Inventory: &InventoryService{core: c},
		Vessels:   &VesselService{core: c},
		Recipes:   &RecipeService{core: c},
	}
}

// core is the machinery shared by the services.
type core struct {
	store    generic.Store
	recipes  generic.RecipeSource
	guard    *generic.Guard
	ledger   *generic.Ledger
	registry *generic.Registry
	timeline *generic.Timeline
	events   events.Publisher
	log      zerolog.Logger
	clock    generic.Clock
	tracer   trace.Tracer
}

func newCore(cfg Config) *core {
	if cfg.Clock == nil {
		cfg.Clock = generic.SystemClock
	}
	if cfg.Recipes == nil {
		cfg.Recipes = cfg.Store
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	return &core{
		store:    cfg.Store,
		recipes:  cfg.Recipes,
		guard:    cfg.Guard,
		ledger:   generic.NewLedger(cfg.Clock),
		registry: generic.NewRegistry(cfg.Clock),
		timeline: generic.NewTimeline(cfg.Clock),
		events:   cfg.Events,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		tracer:   cfg.Tracer,
	}
}

// span opens the operation span; end must receive the final error.
func (c *core) span(ctx context.Context, name string, p generic.Principal, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	return observability.Start(ctx, c.tracer, name, append(attrs, observability.TenantAttr(p))...)
}

// publish sends committed events. Failure is logged only.
func (c *core) publish(ctx context.Context, evts []generic.TimelineEvent) {
	if len(evts) == 0 {
		return
	}
	if err := c.events.Publish(context.WithoutCancel(ctx), evts...); err != nil {
		c.log.Error().Err(err).Int("events", len(evts)).Str("batch_id", string(evts[0].BatchID)).
			Msg("publish timeline events")
	}
}

// reject logs a failed mutation at a level matching its kind.
func (c *core) reject(op string, p generic.Principal, err error) {
	ev := c.log.Error()
	if generic.IsClientError(err) || generic.IsNotFound(err) || generic.IsRetryable(err) {
		ev = c.log.Warn()
	}
	ev.Err(err).Str("op", op).Str("tenant", string(p.TenantID)).
		Str("kind", string(generic.KindOf(err))).Msg("operation rejected")
}

// committed logs one line per committed batch mutation.
func (c *core) committed(op string, p generic.Principal, b generic.Batch) {
	c.log.Info().Str("op", op).Str("tenant", string(p.TenantID)).Str("batch_id", string(b.ID)).
		Str("batch_number", b.BatchNumber).Str("status", string(b.Status)).Msg("batch updated")
}

// mutate runs fn in one transaction and handles logging and publication
// of the events fn recorded.
func (c *core) mutate(ctx context.Context, op string, p generic.Principal, fn func(tx generic.Tx, rec *recorder) error) error {
	rec := &recorder{timeline: c.timeline, actor: p.UserID}
	err := c.store.WithTx(ctx, func(tx generic.Tx) error {
		rec.events = rec.events[:0]
		return fn(tx, rec)
	})
	if err != nil {
		c.reject(op, p, err)
		return err
	}
	c.publish(ctx, rec.events)
	return nil
}

// recorder collects timeline events appended inside one transaction.
type recorder struct {
	timeline *generic.Timeline
	actor    string
	events   []generic.TimelineEvent
}

func (r *recorder) record(ctx context.Context, tx generic.Tx, b generic.Batch, typ generic.EventType, title, description string, data any) error {
	e, err := r.timeline.Record(ctx, tx, b, typ, title, description, data, r.actor)
	if err != nil {
		return err
	}
	r.events = append(r.events, e)
	return nil
}

// =============================================================================
// LOCKING
// =============================================================================

// locked holds the rows of one lock acquisition.
type locked struct {
	items   map[generic.ItemID]generic.InventoryItem
	vessels map[generic.VesselID]generic.Vessel
	batch   generic.Batch
}

// readBatch loads a batch without locking it.
func readBatch(ctx context.Context, r generic.Reader, p generic.Principal, id generic.BatchID) (generic.Batch, error) {
	if id == "" {
		return generic.Batch{}, generic.Invalid("batch_id", "required")
	}
	b, err := r.GetBatch(ctx, p.TenantID, id)
	if err != nil {
		return generic.Batch{}, err
	}
	if b == nil {
		return generic.Batch{}, &generic.NotFoundError{Resource: "batch", ID: string(id)}
	}
	return *b, nil
}

// lockAll takes item locks, then vessel locks (the snapshot's vessel plus
// extra), then the batch lock. It fails with ConcurrentModification when
// the batch moved to another vessel between the snapshot and the lock.
func (c *core) lockAll(ctx context.Context, tx generic.Tx, p generic.Principal, snapshot generic.Batch,
	items []generic.ItemID, extra ...generic.VesselID) (locked, error) {
	var (
		l   locked
		err error
	)
	if len(items) > 0 {
		if l.items, err = c.ledger.LockForUpdate(ctx, tx, p.TenantID, items); err != nil {
			return l, err
		}
	}
	vessels := append([]generic.VesselID(nil), extra...)
	if snapshot.VesselID != nil {
		vessels = append(vessels, *snapshot.VesselID)
	}
	if len(vessels) > 0 {
		if l.vessels, err = c.registry.LockForUpdate(ctx, tx, p.TenantID, vessels...); err != nil {
			return l, err
		}
	}
	b, err := tx.LockBatch(ctx, p.TenantID, snapshot.ID)
	if err != nil {
		return l, err
	}
	if b == nil {
		return l, &generic.NotFoundError{Resource: "batch", ID: string(snapshot.ID)}
	}
	if !sameVessel(b.VesselID, snapshot.VesselID) {
		return l, &generic.ConflictError{Op: "lock batch " + string(b.ID), Err: errors.New("batch vessel changed while locking")}
	}
	l.batch = *b
	return l, nil
}

func sameVessel(a, b *generic.VesselID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func vesselOf(b generic.Batch) generic.VesselID {
	if b.VesselID == nil {
		return ""
	}
	return *b.VesselID
}
