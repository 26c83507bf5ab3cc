/*
Package postgres provides a PostgreSQL-backed implementation of generic.Store.

PURPOSE:
  Production backend for the batch engine. Tables mirror store/sqlite; the
  difference is the concurrency model.

CONCURRENCY:
  Every WithTx opens a SERIALIZABLE transaction and sets lock_timeout and
  statement_timeout locally. Lock* methods use SELECT ... FOR UPDATE with
  ORDER BY id so row locks are always taken in id order.

ERROR MAPPING:
  40001 serialization_failure   → ErrConcurrentModification
  40P01 deadlock_detected       → ErrConcurrentModification
  55P03 lock_not_available      → ErrConcurrentModification
  57014 query_canceled          → ErrConcurrentModification
  23505 unique_violation        → ErrConcurrentModification
  context.DeadlineExceeded      → ErrConcurrentModification

NUMERIC:
  Quantities are NUMERIC; the shopspring decimal codec is registered on
  every pooled connection in AfterConnect.

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/sqlite: dev/test backend
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/batch-engine/generic"
)

// Store implements generic.Store on a pgx pool.
type Store struct {
	reader
	pool      *pgxpool.Pool
	txTimeout time.Duration
	maxConns  int32
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout caps the lifetime of every WithTx call.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// WithMaxConns sets the pool size.
func WithMaxConns(n int32) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// New connects to databaseURL, applies the schema and returns the store.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	s := &Store{txTimeout: generic.DefaultTxTimeout, maxConns: 25}
	for _, opt := range opts {
		opt(s)
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolConfig.MaxConns = s.maxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s.pool = pool
	s.reader = reader{q: pool}
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL,
	cached_balance NUMERIC NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, sku)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	item_id TEXT NOT NULL REFERENCES inventory_items(id),
	quantity NUMERIC NOT NULL CHECK (quantity <> 0),
	entry_type TEXT NOT NULL,
	batch_id TEXT,
	reverses_id TEXT UNIQUE REFERENCES ledger_entries(id),
	note TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_item ON ledger_entries(tenant_id, item_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_batch ON ledger_entries(tenant_id, batch_id) WHERE batch_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS vessels (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	vessel_type TEXT NOT NULL,
	capacity NUMERIC NOT NULL,
	status TEXT NOT NULL,
	current_batch_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, name),
	CHECK ((status = 'OCCUPIED') = (current_batch_id IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS vessel_occupations (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	vessel_id TEXT NOT NULL REFERENCES vessels(id),
	batch_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_occupations_open ON vessel_occupations(vessel_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS batches (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_number TEXT NOT NULL,
	recipe_id TEXT NOT NULL,
	recipe_name TEXT NOT NULL DEFAULT '',
	vessel_id TEXT,
	volume NUMERIC NOT NULL,
	status TEXT NOT NULL,
	planned_date TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	target_og NUMERIC,
	original_gravity NUMERIC,
	final_gravity NUMERIC,
	current_gravity NUMERIC,
	abv NUMERIC,
	brewed_at TIMESTAMPTZ,
	fermentation_started_at TIMESTAMPTZ,
	conditioning_started_at TIMESTAMPTZ,
	ready_at TIMESTAMPTZ,
	packaging_started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	cancel_reason TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, batch_number)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_idempotency ON batches(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(tenant_id, status, seq);

CREATE TABLE IF NOT EXISTS batch_sequences (
	tenant_id TEXT NOT NULL,
	year INTEGER NOT NULL,
	last_seq INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, year)
);

CREATE TABLE IF NOT EXISTS batch_ingredients (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	item_id TEXT,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	planned_amount NUMERIC NOT NULL,
	unit TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_timeline (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	event_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data JSONB,
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS gravity_readings (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	gravity NUMERIC NOT NULL,
	temperature NUMERIC NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS packaging_runs (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	package_type TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	volume_per_unit NUMERIC NOT NULL,
	total_volume NUMERIC NOT NULL,
	lot_number TEXT NOT NULL DEFAULT '',
	product_item_id TEXT NOT NULL REFERENCES inventory_items(id),
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recipes (
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	batch_size NUMERIC NOT NULL,
	target_og NUMERIC,
	ingredients JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE OR REPLACE FUNCTION forbid_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION close_occupation_once() RETURNS trigger AS $$
BEGIN
	IF OLD.ended_at IS NOT NULL THEN
		RAISE EXCEPTION 'occupation already closed';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
DECLARE t TEXT;
BEGIN
	FOREACH t IN ARRAY ARRAY['ledger_entries', 'batch_timeline', 'gravity_readings', 'packaging_runs'] LOOP
		EXECUTE format('DROP TRIGGER IF EXISTS %I_append_only ON %I', t, t);
		EXECUTE format('CREATE TRIGGER %I_append_only BEFORE UPDATE OR DELETE ON %I FOR EACH ROW EXECUTE FUNCTION forbid_mutation()', t, t);
	END LOOP;
END $$;

DROP TRIGGER IF EXISTS vessel_occupations_close_once ON vessel_occupations;
CREATE TRIGGER vessel_occupations_close_once BEFORE UPDATE ON vessel_occupations
	FOR EACH ROW EXECUTE FUNCTION close_occupation_once();
DROP TRIGGER IF EXISTS vessel_occupations_no_delete ON vessel_occupations;
CREATE TRIGGER vessel_occupations_no_delete BEFORE DELETE ON vessel_occupations
	FOR EACH ROW EXECUTE FUNCTION forbid_mutation();
DROP TRIGGER IF EXISTS batches_no_delete ON batches;
CREATE TRIGGER batches_no_delete BEFORE DELETE ON batches
	FOR EACH ROW EXECUTE FUNCTION forbid_mutation();
`

// =============================================================================
// TRANSACTIONS (generic.Store.WithTx)
// =============================================================================

// WithTx executes fn within one SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(ctx, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	ms := s.txTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'; SET LOCAL statement_timeout = '%dms'", ms, ms)); err != nil {
		return mapErr(ctx, "set timeouts", err)
	}

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx}); err != nil {
		if generic.KindOf(err) == generic.KindInternal {
			return mapErr(ctx, "transaction", err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(ctx, "commit", err)
	}
	return nil
}

// mapErr translates driver failures into the engine taxonomy.
func mapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &generic.ConflictError{Op: op, Err: fmt.Errorf("transaction timed out: %w", err)}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "23505":
			return &generic.ConflictError{Op: op, Err: err}
		}
	}
	if generic.KindOf(err) != generic.KindInternal {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

const itemColumns = `id, tenant_id, sku, name, category, unit, cached_balance, created_at, updated_at`

func scanItem(row pgx.Row) (generic.InventoryItem, error) {
	var it generic.InventoryItem
	err := row.Scan(&it.ID, &it.TenantID, &it.SKU, &it.Name, &it.Category, &it.Unit,
		&it.CachedBalance, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r reader) GetItem(ctx context.Context, tenant generic.TenantID, id generic.ItemID) (*generic.InventoryItem, error) {
	return one(ctx, r.q, "get item", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = $1 AND id = $2`, string(tenant), string(id))
}

func (r reader) GetItemBySKU(ctx context.Context, tenant generic.TenantID, sku string) (*generic.InventoryItem, error) {
	return one(ctx, r.q, "get item by sku", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = $1 AND sku = $2`, string(tenant), sku)
}

func (r reader) ListItems(ctx context.Context, tenant generic.TenantID) ([]generic.InventoryItem, error) {
	return many(ctx, r.q, "list items", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = $1 ORDER BY sku`, string(tenant))
}

const entryColumns = `id, tenant_id, item_id, quantity, entry_type, batch_id, reverses_id, note, actor, created_at`

func scanEntry(row pgx.Row) (generic.LedgerEntry, error) {
	var (
		e                 generic.LedgerEntry
		batchID, reverses *string
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.ItemID, &e.Quantity, &e.Type,
		&batchID, &reverses, &e.Note, &e.Actor, &e.CreatedAt); err != nil {
		return e, err
	}
	if batchID != nil {
		b := generic.BatchID(*batchID)
		e.BatchID = &b
	}
	if reverses != nil {
		r := generic.EntryID(*reverses)
		e.ReversesID = &r
	}
	return e, nil
}

func (r reader) ListLedgerEntries(ctx context.Context, tenant generic.TenantID, f generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	var b where
	b.add("tenant_id = %s", string(tenant))
	if f.ItemID != "" {
		b.add("item_id = %s", string(f.ItemID))
	}
	if f.BatchID != "" {
		b.add("batch_id = %s", string(f.BatchID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.add("entry_type = ANY(%s)", types)
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + b.String() + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return many(ctx, r.q, "list ledger entries", scanEntry, query, b.args...)
}

func (r reader) SumLedger(ctx context.Context, tenant generic.TenantID, id generic.ItemID) (generic.LedgerSum, error) {
	var sum generic.LedgerSum
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0), COUNT(*) FROM ledger_entries WHERE tenant_id = $1 AND item_id = $2`,
		string(tenant), string(id)).Scan(&sum.Total, &sum.Entries)
	if err != nil {
		return generic.LedgerSum{}, mapErr(ctx, "sum ledger", err)
	}
	return sum, nil
}

const vesselColumns = `id, tenant_id, name, vessel_type, capacity, status, current_batch_id, created_at, updated_at`

func scanVessel(row pgx.Row) (generic.Vessel, error) {
	var (
		v       generic.Vessel
		current *string
	)
	if err := row.Scan(&v.ID, &v.TenantID, &v.Name, &v.Type, &v.Capacity, &v.Status,
		&current, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return v, err
	}
	if current != nil {
		b := generic.BatchID(*current)
		v.CurrentBatchID = &b
	}
	return v, nil
}

func (r reader) GetVessel(ctx context.Context, tenant generic.TenantID, id generic.VesselID) (*generic.Vessel, error) {
	return one(ctx, r.q, "get vessel", scanVessel,
		`SELECT `+vesselColumns+` FROM vessels WHERE tenant_id = $1 AND id = $2`, string(tenant), string(id))
}

func (r reader) ListVessels(ctx context.Context, tenant generic.TenantID, f generic.VesselFilter) ([]generic.Vessel, error) {
	var b where
	b.add("tenant_id = %s", string(tenant))
	if f.Status != "" {
		b.add("status = %s", string(f.Status))
	}
	if f.Type != "" {
		b.add("vessel_type = %s", string(f.Type))
	}
	if f.MinCapacity != nil {
		b.add("capacity >= %s", *f.MinCapacity)
	}
	return many(ctx, r.q, "list vessels", scanVessel,
		`SELECT `+vesselColumns+` FROM vessels WHERE `+b.String()+` ORDER BY name`, b.args...)
}

const occupationColumns = `id, tenant_id, vessel_id, batch_id, phase, started_at, ended_at`

func scanOccupation(row pgx.Row) (generic.Occupation, error) {
	var o generic.Occupation
	err := row.Scan(&o.ID, &o.TenantID, &o.VesselID, &o.BatchID, &o.Phase, &o.StartedAt, &o.EndedAt)
	return o, err
}

func (r reader) ListOccupations(ctx context.Context, tenant generic.TenantID, vesselID generic.VesselID) ([]generic.Occupation, error) {
	return many(ctx, r.q, "list occupations", scanOccupation,
		`SELECT `+occupationColumns+` FROM vessel_occupations
		 WHERE tenant_id = $1 AND vessel_id = $2 ORDER BY seq`, string(tenant), string(vesselID))
}

func (r reader) GetOpenOccupation(ctx context.Context, tenant generic.TenantID, vesselID generic.VesselID) (*generic.Occupation, error) {
	return one(ctx, r.q, "get open occupation", scanOccupation,
		`SELECT `+occupationColumns+` FROM vessel_occupations
		 WHERE tenant_id = $1 AND vessel_id = $2 AND ended_at IS NULL`, string(tenant), string(vesselID))
}

const batchColumns = `id, tenant_id, batch_number, recipe_id, recipe_name, vessel_id, volume, status,
	planned_date, notes, target_og, original_gravity, final_gravity, current_gravity, abv,
	brewed_at, fermentation_started_at, conditioning_started_at, ready_at, packaging_started_at,
	completed_at, cancelled_at, cancel_reason, idempotency_key, created_by, created_at, updated_at`

func scanBatch(row pgx.Row) (generic.Batch, error) {
	var (
		b                 generic.Batch
		vesselID, idemKey *string
	)
	if err := row.Scan(&b.ID, &b.TenantID, &b.BatchNumber, &b.RecipeID, &b.RecipeName, &vesselID,
		&b.Volume, &b.Status, &b.PlannedDate, &b.Notes, &b.TargetOG, &b.OriginalGravity, &b.FinalGravity,
		&b.CurrentGravity, &b.ABV, &b.BrewedAt, &b.FermentationStartedAt, &b.ConditioningStartedAt,
		&b.ReadyAt, &b.PackagingStartedAt, &b.CompletedAt, &b.CancelledAt, &b.CancelReason, &idemKey,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	if vesselID != nil {
		v := generic.VesselID(*vesselID)
		b.VesselID = &v
	}
	if idemKey != nil {
		b.IdempotencyKey = *idemKey
	}
	return b, nil
}

func (r reader) GetBatch(ctx context.Context, tenant generic.TenantID, id generic.BatchID) (*generic.Batch, error) {
	return one(ctx, r.q, "get batch", scanBatch,
		`SELECT `+batchColumns+` FROM batches WHERE tenant_id = $1 AND id = $2`, string(tenant), string(id))
}

func (r reader) GetBatchByIdempotencyKey(ctx context.Context, tenant generic.TenantID, key string) (*generic.Batch, error) {
	return one(ctx, r.q, "get batch by idempotency key", scanBatch,
		`SELECT `+batchColumns+` FROM batches WHERE tenant_id = $1 AND idempotency_key = $2`, string(tenant), key)
}

func (r reader) ListBatches(ctx context.Context, tenant generic.TenantID, f generic.BatchFilter) ([]generic.Batch, error) {
	var b where
	b.add("tenant_id = %s", string(tenant))
	if f.Status != "" {
		b.add("status = %s", string(f.Status))
	}
	if f.RecipeID != "" {
		b.add("recipe_id = %s", string(f.RecipeID))
	}
	if f.VesselID != "" {
		b.add("vessel_id = %s", string(f.VesselID))
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + b.String() + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}
	return many(ctx, r.q, "list batches", scanBatch, query, b.args...)
}

func scanIngredient(row pgx.Row) (generic.BatchIngredient, error) {
	var (
		ing    generic.BatchIngredient
		itemID *string
	)
	if err := row.Scan(&ing.ID, &ing.TenantID, &ing.BatchID, &itemID, &ing.Name, &ing.Category,
		&ing.PlannedAmount, &ing.Unit); err != nil {
		return ing, err
	}
	if itemID != nil {
		id := generic.ItemID(*itemID)
		ing.ItemID = &id
	}
	return ing, nil
}

func (r reader) ListIngredients(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.BatchIngredient, error) {
	return many(ctx, r.q, "list ingredients", scanIngredient,
		`SELECT id, tenant_id, batch_id, item_id, name, category, planned_amount, unit
		 FROM batch_ingredients WHERE tenant_id = $1 AND batch_id = $2 ORDER BY seq`, string(tenant), string(batchID))
}

func scanTimelineEvent(row pgx.Row) (generic.TimelineEvent, error) {
	var (
		e    generic.TimelineEvent
		data []byte
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.BatchID, &e.Type, &e.Title, &e.Description,
		&data, &e.Actor, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(data) > 0 {
		e.Data = json.RawMessage(data)
	}
	return e, nil
}

func (r reader) ListTimeline(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.TimelineEvent, error) {
	return many(ctx, r.q, "list timeline", scanTimelineEvent,
		`SELECT id, tenant_id, batch_id, event_type, title, description, data, actor, created_at
		 FROM batch_timeline WHERE tenant_id = $1 AND batch_id = $2 ORDER BY seq`, string(tenant), string(batchID))
}

func scanReading(row pgx.Row) (generic.GravityReading, error) {
	var g generic.GravityReading
	err := row.Scan(&g.ID, &g.TenantID, &g.BatchID, &g.Gravity, &g.Temperature, &g.Notes, &g.Actor, &g.RecordedAt)
	return g, err
}

func (r reader) ListGravityReadings(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.GravityReading, error) {
	return many(ctx, r.q, "list gravity readings", scanReading,
		`SELECT id, tenant_id, batch_id, gravity, temperature, notes, actor, recorded_at
		 FROM gravity_readings WHERE tenant_id = $1 AND batch_id = $2 ORDER BY seq`, string(tenant), string(batchID))
}

func scanPackagingRun(row pgx.Row) (generic.PackagingRun, error) {
	var p generic.PackagingRun
	err := row.Scan(&p.ID, &p.TenantID, &p.BatchID, &p.PackageType, &p.Quantity, &p.VolumePerUnit,
		&p.TotalVolume, &p.LotNumber, &p.ProductItemID, &p.Actor, &p.CreatedAt)
	return p, err
}

func (r reader) ListPackagingRuns(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.PackagingRun, error) {
	return many(ctx, r.q, "list packaging runs", scanPackagingRun,
		`SELECT id, tenant_id, batch_id, package_type, quantity, volume_per_unit, total_volume,
		        lot_number, product_item_id, actor, created_at
		 FROM packaging_runs WHERE tenant_id = $1 AND batch_id = $2 ORDER BY seq`, string(tenant), string(batchID))
}

func scanRecipe(row pgx.Row) (generic.Recipe, error) {
	var (
		rec         generic.Recipe
		ingredients []byte
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.BatchSize, &rec.TargetOG, &ingredients); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(ingredients, &rec.Ingredients); err != nil {
		return rec, fmt.Errorf("decode recipe ingredients: %w", err)
	}
	return rec, nil
}

func (r reader) GetRecipe(ctx context.Context, tenant generic.TenantID, id generic.RecipeID) (*generic.Recipe, error) {
	return one(ctx, r.q, "get recipe", scanRecipe,
		`SELECT id, tenant_id, name, batch_size, target_og, ingredients
		 FROM recipes WHERE tenant_id = $1 AND id = $2`, string(tenant), string(id))
}

// =============================================================================
// TX STORE (generic.Tx)
// =============================================================================

type txStore struct {
	reader
	tx pgx.Tx
}

// LockItems takes FOR UPDATE row locks in id order.
func (t *txStore) LockItems(ctx context.Context, tenant generic.TenantID, ids []generic.ItemID) ([]generic.InventoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	return many(ctx, t.q, "lock items", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items
		 WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id FOR UPDATE`, string(tenant), keys)
}

func (t *txStore) LockVessels(ctx context.Context, tenant generic.TenantID, ids []generic.VesselID) ([]generic.Vessel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	return many(ctx, t.q, "lock vessels", scanVessel,
		`SELECT `+vesselColumns+` FROM vessels
		 WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id FOR UPDATE`, string(tenant), keys)
}

func (t *txStore) LockBatch(ctx context.Context, tenant generic.TenantID, id generic.BatchID) (*generic.Batch, error) {
	return one(ctx, t.q, "lock batch", scanBatch,
		`SELECT `+batchColumns+` FROM batches WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, string(tenant), string(id))
}

func (t *txStore) InsertItem(ctx context.Context, it generic.InventoryItem) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_items (`+itemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		string(it.ID), string(it.TenantID), it.SKU, it.Name, it.Category, string(it.Unit), it.CreatedAt, it.UpdatedAt)
	return mapErr(ctx, "insert item", err)
}

func (t *txStore) EnsureItem(ctx context.Context, it generic.InventoryItem) (*generic.InventoryItem, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_items (`+itemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		 ON CONFLICT (tenant_id, sku) DO NOTHING`,
		string(it.ID), string(it.TenantID), it.SKU, it.Name, it.Category, string(it.Unit), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return nil, mapErr(ctx, "ensure item", err)
	}
	return t.GetItemBySKU(ctx, it.TenantID, it.SKU)
}

// AppendLedgerEntry inserts e and moves the cached balance by e.Quantity in
// one statement pair on the locked row.
func (t *txStore) AppendLedgerEntry(ctx context.Context, e generic.LedgerEntry) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE inventory_items SET cached_balance = cached_balance + $1, updated_at = $2
		 WHERE tenant_id = $3 AND id = $4`,
		e.Quantity, e.CreatedAt, string(e.TenantID), string(e.ItemID))
	if err != nil {
		return mapErr(ctx, "update cached balance", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Resource: "item", ID: string(e.ItemID)}
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.ID), string(e.TenantID), string(e.ItemID), e.Quantity, string(e.Type),
		idArg(e.BatchID), idArg(e.ReversesID), e.Note, e.Actor, e.CreatedAt)
	return mapErr(ctx, "append ledger entry", err)
}

func (t *txStore) InsertVessel(ctx context.Context, v generic.Vessel) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO vessels (`+vesselColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(v.ID), string(v.TenantID), v.Name, string(v.Type), v.Capacity, string(v.Status),
		idArg(v.CurrentBatchID), v.CreatedAt, v.UpdatedAt)
	return mapErr(ctx, "insert vessel", err)
}

func (t *txStore) UpdateVessel(ctx context.Context, v generic.Vessel) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE vessels SET status = $1, current_batch_id = $2, updated_at = $3 WHERE tenant_id = $4 AND id = $5`,
		string(v.Status), idArg(v.CurrentBatchID), v.UpdatedAt, string(v.TenantID), string(v.ID))
	return mapErr(ctx, "update vessel", err)
}

func (t *txStore) InsertOccupation(ctx context.Context, o generic.Occupation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO vessel_occupations (`+occupationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, string(o.TenantID), string(o.VesselID), string(o.BatchID), string(o.Phase), o.StartedAt, o.EndedAt)
	return mapErr(ctx, "insert occupation", err)
}

func (t *txStore) CloseOccupation(ctx context.Context, tenant generic.TenantID, id string, endedAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE vessel_occupations SET ended_at = $1 WHERE tenant_id = $2 AND id = $3 AND ended_at IS NULL`,
		endedAt, string(tenant), id)
	return mapErr(ctx, "close occupation", err)
}

func (t *txStore) InsertBatch(ctx context.Context, b generic.Batch) error {
	var key *string
	if b.IdempotencyKey != "" {
		key = &b.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (`+placeholders(27)+`)`,
		string(b.ID), string(b.TenantID), b.BatchNumber, string(b.RecipeID), b.RecipeName, idArg(b.VesselID),
		b.Volume, string(b.Status), b.PlannedDate, b.Notes, b.TargetOG, b.OriginalGravity, b.FinalGravity,
		b.CurrentGravity, b.ABV, b.BrewedAt, b.FermentationStartedAt, b.ConditioningStartedAt, b.ReadyAt,
		b.PackagingStartedAt, b.CompletedAt, b.CancelledAt, b.CancelReason, key, b.CreatedBy,
		b.CreatedAt, b.UpdatedAt)
	return mapErr(ctx, "insert batch", err)
}

// UpdateBatch rewrites the mutable projection columns.
func (t *txStore) UpdateBatch(ctx context.Context, b generic.Batch) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE batches SET vessel_id = $1, status = $2, original_gravity = $3, final_gravity = $4,
		        current_gravity = $5, abv = $6, brewed_at = $7, fermentation_started_at = $8,
		        conditioning_started_at = $9, ready_at = $10, packaging_started_at = $11, completed_at = $12,
		        cancelled_at = $13, cancel_reason = $14, updated_at = $15
		 WHERE tenant_id = $16 AND id = $17`,
		idArg(b.VesselID), string(b.Status), b.OriginalGravity, b.FinalGravity,
		b.CurrentGravity, b.ABV, b.BrewedAt, b.FermentationStartedAt,
		b.ConditioningStartedAt, b.ReadyAt, b.PackagingStartedAt, b.CompletedAt,
		b.CancelledAt, b.CancelReason, b.UpdatedAt, string(b.TenantID), string(b.ID))
	return mapErr(ctx, "update batch", err)
}

func (t *txStore) InsertIngredients(ctx context.Context, ings []generic.BatchIngredient) error {
	batch := &pgx.Batch{}
	for _, ing := range ings {
		batch.Queue(`INSERT INTO batch_ingredients (id, tenant_id, batch_id, item_id, name, category, planned_amount, unit)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ing.ID, string(ing.TenantID), string(ing.BatchID), idArg(ing.ItemID), ing.Name, ing.Category,
			ing.PlannedAmount, string(ing.Unit))
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapErr(ctx, "insert ingredients", t.tx.SendBatch(ctx, batch).Close())
}

func (t *txStore) InsertTimelineEvent(ctx context.Context, e generic.TimelineEvent) error {
	var data []byte
	if len(e.Data) > 0 {
		data = e.Data
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO batch_timeline (id, tenant_id, batch_id, event_type, title, description, data, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
		e.ID, string(e.TenantID), string(e.BatchID), string(e.Type), e.Title, e.Description, data, e.Actor, e.CreatedAt)
	return mapErr(ctx, "insert timeline event", err)
}

func (t *txStore) InsertGravityReading(ctx context.Context, g generic.GravityReading) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO gravity_readings (id, tenant_id, batch_id, gravity, temperature, notes, actor, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.ID, string(g.TenantID), string(g.BatchID), g.Gravity, g.Temperature, g.Notes, g.Actor, g.RecordedAt)
	return mapErr(ctx, "insert gravity reading", err)
}

func (t *txStore) InsertPackagingRun(ctx context.Context, p generic.PackagingRun) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO packaging_runs (id, tenant_id, batch_id, package_type, quantity, volume_per_unit,
		                             total_volume, lot_number, product_item_id, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, string(p.TenantID), string(p.BatchID), p.PackageType, p.Quantity, p.VolumePerUnit,
		p.TotalVolume, p.LotNumber, string(p.ProductItemID), p.Actor, p.CreatedAt)
	return mapErr(ctx, "insert packaging run", err)
}

func (t *txStore) NextBatchSequence(ctx context.Context, tenant generic.TenantID, year int) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx,
		`INSERT INTO batch_sequences (tenant_id, year, last_seq) VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, year) DO UPDATE SET last_seq = batch_sequences.last_seq + 1
		 RETURNING last_seq`, string(tenant), year).Scan(&next)
	if err != nil {
		return 0, mapErr(ctx, "next batch sequence", err)
	}
	return next, nil
}

func (t *txStore) SaveRecipe(ctx context.Context, rec generic.Recipe) error {
	ingredients, err := json.Marshal(rec.Ingredients)
	if err != nil {
		return fmt.Errorf("encode recipe ingredients: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO recipes (id, tenant_id, name, batch_size, target_og, ingredients, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
		 ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name, batch_size = EXCLUDED.batch_size,
		    target_og = EXCLUDED.target_og, ingredients = EXCLUDED.ingredients, updated_at = now()`,
		string(rec.ID), string(rec.TenantID), rec.Name, rec.BatchSize, rec.TargetOG, string(ingredients))
	return mapErr(ctx, "save recipe", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func one[T any](ctx context.Context, q querier, op string, scan func(pgx.Row) (T, error), query string, args ...any) (*T, error) {
	v, err := scan(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(ctx, op, err)
	}
	return &v, nil
}

func many[T any](ctx context.Context, q querier, op string, scan func(pgx.Row) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(ctx, op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, mapErr(ctx, op+": scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, op, err)
	}
	return out, nil
}

// where accumulates AND-ed predicates with positional parameters.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	return strings.Join(w.clauses, " AND ")
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}

// idArg turns an optional typed id into a nullable text parameter.
func idArg[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

var _ generic.Store = (*Store)(nil)
var _ generic.Tx = (*txStore)(nil)
