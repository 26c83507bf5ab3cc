/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Development and test backend for the batch engine. The same tables and
  transaction shape are used by store/postgres; only locking differs.

APPEND-ONLY ENFORCEMENT:
  ledger_entries, batch_timeline, gravity_readings and packaging_runs have
  triggers that abort any UPDATE or DELETE. vessel_occupations allows a
  single UPDATE that stamps ended_at on an open row.

CONSTRAINTS MIRRORING ENGINE INVARIANTS:
  - vessels: status = 'OCCUPIED' ⇔ current_batch_id IS NOT NULL (CHECK)
  - vessel_occupations: at most one open row per vessel (partial unique index)
  - ledger_entries: an entry is reversed at most once (unique reverses_id)
  - batches: (tenant_id, batch_number) and (tenant_id, idempotency_key) unique

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), which
  takes the database write lock up front. Writers are fully serialized,
  so every Tx is serializable and the Lock* methods are plain reads.
  ":memory:" databases use a single pooled connection; code running
  inside WithTx must only use the Tx it was given.

TIMEOUT:
  WithTx bounds every transaction with TxTimeout. Expiry, SQLITE_BUSY and
  SQLITE_LOCKED surface as generic.ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/batches.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - store/postgres: production backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	reader
	db        *sql.DB
	txTimeout time.Duration
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

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{reader: reader{q: db}, db: db, txTimeout: generic.DefaultTxTimeout}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
-- Inventory items; cached_balance moves only with ledger appends
CREATE TABLE IF NOT EXISTS inventory_items (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL,
	cached_balance TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, sku)
);

-- Ledger (append-only)
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	item_id TEXT NOT NULL REFERENCES inventory_items(id),
	quantity TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	batch_id TEXT,
	reverses_id TEXT REFERENCES ledger_entries(id),
	note TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_item
	ON ledger_entries(tenant_id, item_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_batch
	ON ledger_entries(tenant_id, batch_id) WHERE batch_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reverses
	ON ledger_entries(reverses_id) WHERE reverses_id IS NOT NULL;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

-- Vessels
CREATE TABLE IF NOT EXISTS vessels (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	vessel_type TEXT NOT NULL,
	capacity TEXT NOT NULL,
	status TEXT NOT NULL,
	current_batch_id TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, name),
	CHECK ((status = 'OCCUPIED') = (current_batch_id IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS vessel_occupations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	vessel_id TEXT NOT NULL REFERENCES vessels(id),
	batch_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_occupations_open
	ON vessel_occupations(vessel_id) WHERE ended_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_occupations_vessel
	ON vessel_occupations(tenant_id, vessel_id, started_at);

CREATE TRIGGER IF NOT EXISTS vessel_occupations_close_once BEFORE UPDATE ON vessel_occupations
WHEN OLD.ended_at IS NOT NULL
BEGIN SELECT RAISE(ABORT, 'occupation already closed'); END;
CREATE TRIGGER IF NOT EXISTS vessel_occupations_no_delete BEFORE DELETE ON vessel_occupations
BEGIN SELECT RAISE(ABORT, 'vessel_occupations is append-only'); END;

-- Batches
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_number TEXT NOT NULL,
	recipe_id TEXT NOT NULL,
	recipe_name TEXT NOT NULL DEFAULT '',
	vessel_id TEXT,
	volume TEXT NOT NULL,
	status TEXT NOT NULL,
	planned_date TIMESTAMP,
	notes TEXT NOT NULL DEFAULT '',
	target_og TEXT,
	original_gravity TEXT,
	final_gravity TEXT,
	current_gravity TEXT,
	abv TEXT,
	brewed_at TIMESTAMP,
	fermentation_started_at TIMESTAMP,
	conditioning_started_at TIMESTAMP,
	ready_at TIMESTAMP,
	packaging_started_at TIMESTAMP,
	completed_at TIMESTAMP,
	cancelled_at TIMESTAMP,
	cancel_reason TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, batch_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_idempotency
	ON batches(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_batches_status
	ON batches(tenant_id, status, created_at);

CREATE TRIGGER IF NOT EXISTS batches_no_delete BEFORE DELETE ON batches
BEGIN SELECT RAISE(ABORT, 'batches are never deleted'); END;

CREATE TABLE IF NOT EXISTS batch_sequences (
	tenant_id TEXT NOT NULL,
	year INTEGER NOT NULL,
	last_seq INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, year)
);

-- Ingredient snapshot (immutable)
CREATE TABLE IF NOT EXISTS batch_ingredients (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	item_id TEXT,
	name TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	planned_amount TEXT NOT NULL,
	unit TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingredients_batch
	ON batch_ingredients(tenant_id, batch_id);

-- Timeline (append-only)
CREATE TABLE IF NOT EXISTS batch_timeline (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	event_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	data_json TEXT,
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeline_batch
	ON batch_timeline(tenant_id, batch_id, created_at);

-- Gravity readings (append-only)
CREATE TABLE IF NOT EXISTS gravity_readings (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	gravity TEXT NOT NULL,
	temperature TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_batch
	ON gravity_readings(tenant_id, batch_id, recorded_at);

-- Packaging runs (append-only)
CREATE TABLE IF NOT EXISTS packaging_runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	batch_id TEXT NOT NULL REFERENCES batches(id),
	package_type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	volume_per_unit TEXT NOT NULL,
	total_volume TEXT NOT NULL,
	lot_number TEXT NOT NULL DEFAULT '',
	product_item_id TEXT NOT NULL REFERENCES inventory_items(id),
	actor TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_packaging_batch
	ON packaging_runs(tenant_id, batch_id, created_at);

-- Append-only triggers for the audit tables
CREATE TRIGGER IF NOT EXISTS batch_timeline_no_update BEFORE UPDATE ON batch_timeline
BEGIN SELECT RAISE(ABORT, 'batch_timeline is append-only'); END;
CREATE TRIGGER IF NOT EXISTS batch_timeline_no_delete BEFORE DELETE ON batch_timeline
BEGIN SELECT RAISE(ABORT, 'batch_timeline is append-only'); END;
CREATE TRIGGER IF NOT EXISTS gravity_readings_no_update BEFORE UPDATE ON gravity_readings
BEGIN SELECT RAISE(ABORT, 'gravity_readings is append-only'); END;
CREATE TRIGGER IF NOT EXISTS gravity_readings_no_delete BEFORE DELETE ON gravity_readings
BEGIN SELECT RAISE(ABORT, 'gravity_readings is append-only'); END;
CREATE TRIGGER IF NOT EXISTS packaging_runs_no_update BEFORE UPDATE ON packaging_runs
BEGIN SELECT RAISE(ABORT, 'packaging_runs is append-only'); END;
CREATE TRIGGER IF NOT EXISTS packaging_runs_no_delete BEFORE DELETE ON packaging_runs
BEGIN SELECT RAISE(ABORT, 'packaging_runs is append-only'); END;

-- Recipes (owned by the catalog; kept here so the engine can run standalone)
CREATE TABLE IF NOT EXISTS recipes (
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	batch_size TEXT NOT NULL,
	target_og TEXT,
	ingredients_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
`

// =============================================================================
// TRANSACTIONS (generic.Store.WithTx)
// =============================================================================

// WithTx executes fn within one BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(ctx, "begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		if ctx.Err() != nil && !isEngineError(err) {
			return mapErr(ctx, "transaction", err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(ctx, "commit", err)
	}
	return nil
}

// isEngineError reports whether err already carries an engine kind.
func isEngineError(err error) bool {
	return generic.KindOf(err) != generic.KindInternal
}

// mapErr translates driver failures into the engine taxonomy.
func mapErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &generic.ConflictError{Op: op, Err: fmt.Errorf("transaction timed out: %w", err)}
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &generic.ConflictError{Op: op, Err: err}
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return &generic.ConflictError{Op: op, Err: err}
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// reader implements generic.Reader over a *sql.DB or *sql.Tx.
type reader struct {
	q queryer
}

const itemColumns = `id, tenant_id, sku, name, category, unit, cached_balance, created_at, updated_at`

func scanItem(row rowScanner) (generic.InventoryItem, error) {
	var it generic.InventoryItem
	err := row.Scan(&it.ID, &it.TenantID, &it.SKU, &it.Name, &it.Category, &it.Unit,
		&it.CachedBalance, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r reader) GetItem(ctx context.Context, tenant generic.TenantID, id generic.ItemID) (*generic.InventoryItem, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = ? AND id = ?`, tenant, id)
	return one(ctx, "get item", row, scanItem)
}

func (r reader) GetItemBySKU(ctx context.Context, tenant generic.TenantID, sku string) (*generic.InventoryItem, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = ? AND sku = ?`, tenant, sku)
	return one(ctx, "get item by sku", row, scanItem)
}

func (r reader) ListItems(ctx context.Context, tenant generic.TenantID) ([]generic.InventoryItem, error) {
	return many(ctx, r.q, "list items", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items WHERE tenant_id = ? ORDER BY sku`, tenant)
}

const entryColumns = `id, tenant_id, item_id, quantity, entry_type, batch_id, reverses_id, note, actor, created_at`

func scanEntry(row rowScanner) (generic.LedgerEntry, error) {
	var (
		e        generic.LedgerEntry
		batchID  sql.NullString
		reverses sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.ItemID, &e.Quantity, &e.Type,
		&batchID, &reverses, &e.Note, &e.Actor, &e.CreatedAt); err != nil {
		return e, err
	}
	if batchID.Valid {
		b := generic.BatchID(batchID.String)
		e.BatchID = &b
	}
	if reverses.Valid {
		r := generic.EntryID(reverses.String)
		e.ReversesID = &r
	}
	return e, nil
}

func (r reader) ListLedgerEntries(ctx context.Context, tenant generic.TenantID, f generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{tenant}
	)
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if len(f.Types) > 0 {
		where = append(where, "entry_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return many(ctx, r.q, "list ledger entries", scanEntry, query, args...)
}

// SumLedger recomputes the balance in Go: quantities are stored as text to
// keep full decimal precision.
func (r reader) SumLedger(ctx context.Context, tenant generic.TenantID, id generic.ItemID) (generic.LedgerSum, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT quantity FROM ledger_entries WHERE tenant_id = ? AND item_id = ?`, tenant, id)
	if err != nil {
		return generic.LedgerSum{}, mapErr(ctx, "sum ledger", err)
	}
	defer rows.Close()

	sum := generic.LedgerSum{Total: decimal.Zero}
	for rows.Next() {
		var q decimal.Decimal
		if err := rows.Scan(&q); err != nil {
			return generic.LedgerSum{}, fmt.Errorf("failed to scan ledger quantity: %w", err)
		}
		sum.Total = sum.Total.Add(q)
		sum.Entries++
	}
	return sum, rows.Err()
}

const vesselColumns = `id, tenant_id, name, vessel_type, capacity, status, current_batch_id, created_at, updated_at`

func scanVessel(row rowScanner) (generic.Vessel, error) {
	var (
		v       generic.Vessel
		current sql.NullString
	)
	if err := row.Scan(&v.ID, &v.TenantID, &v.Name, &v.Type, &v.Capacity, &v.Status,
		&current, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return v, err
	}
	if current.Valid {
		b := generic.BatchID(current.String)
		v.CurrentBatchID = &b
	}
	return v, nil
}

func (r reader) GetVessel(ctx context.Context, tenant generic.TenantID, id generic.VesselID) (*generic.Vessel, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+vesselColumns+` FROM vessels WHERE tenant_id = ? AND id = ?`, tenant, id)
	return one(ctx, "get vessel", row, scanVessel)
}

func (r reader) ListVessels(ctx context.Context, tenant generic.TenantID, f generic.VesselFilter) ([]generic.Vessel, error) {
	vessels, err := many(ctx, r.q, "list vessels", scanVessel,
		`SELECT `+vesselColumns+` FROM vessels
		 WHERE tenant_id = ? AND (? = '' OR status = ?) AND (? = '' OR vessel_type = ?)
		 ORDER BY name`,
		tenant, f.Status, f.Status, f.Type, f.Type)
	if err != nil || f.MinCapacity == nil {
		return vessels, err
	}
	// capacity is text; compare as decimals.
	out := vessels[:0]
	for _, v := range vessels {
		if v.Capacity.GreaterThanOrEqual(*f.MinCapacity) {
			out = append(out, v)
		}
	}
	return out, nil
}

const occupationColumns = `id, tenant_id, vessel_id, batch_id, phase, started_at, ended_at`

func scanOccupation(row rowScanner) (generic.Occupation, error) {
	var (
		o     generic.Occupation
		ended sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.TenantID, &o.VesselID, &o.BatchID, &o.Phase, &o.StartedAt, &ended); err != nil {
		return o, err
	}
	if ended.Valid {
		o.EndedAt = &ended.Time
	}
	return o, nil
}

func (r reader) ListOccupations(ctx context.Context, tenant generic.TenantID, vesselID generic.VesselID) ([]generic.Occupation, error) {
	return many(ctx, r.q, "list occupations", scanOccupation,
		`SELECT `+occupationColumns+` FROM vessel_occupations
		 WHERE tenant_id = ? AND vessel_id = ? ORDER BY started_at, rowid`, tenant, vesselID)
}

func (r reader) GetOpenOccupation(ctx context.Context, tenant generic.TenantID, vesselID generic.VesselID) (*generic.Occupation, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+occupationColumns+` FROM vessel_occupations
		 WHERE tenant_id = ? AND vessel_id = ? AND ended_at IS NULL`, tenant, vesselID)
	return one(ctx, "get open occupation", row, scanOccupation)
}

const batchColumns = `id, tenant_id, batch_number, recipe_id, recipe_name, vessel_id, volume, status,
	planned_date, notes, target_og, original_gravity, final_gravity, current_gravity, abv,
	brewed_at, fermentation_started_at, conditioning_started_at, ready_at, packaging_started_at,
	completed_at, cancelled_at, cancel_reason, idempotency_key, created_by, created_at, updated_at`

func scanBatch(row rowScanner) (generic.Batch, error) {
	var (
		b                                       generic.Batch
		vesselID, idemKey                       sql.NullString
		plannedDate                             sql.NullTime
		targetOG, og, fg, current, abv          decimal.NullDecimal
		brewed, fermenting, conditioning, ready sql.NullTime
		packaging, completed, cancelled         sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.TenantID, &b.BatchNumber, &b.RecipeID, &b.RecipeName, &vesselID,
		&b.Volume, &b.Status, &plannedDate, &b.Notes, &targetOG, &og, &fg, &current, &abv,
		&brewed, &fermenting, &conditioning, &ready, &packaging, &completed, &cancelled,
		&b.CancelReason, &idemKey, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	if vesselID.Valid {
		v := generic.VesselID(vesselID.String)
		b.VesselID = &v
	}
	b.IdempotencyKey = idemKey.String
	b.PlannedDate = timePtr(plannedDate)
	b.TargetOG = decimalPtr(targetOG)
	b.OriginalGravity = decimalPtr(og)
	b.FinalGravity = decimalPtr(fg)
	b.CurrentGravity = decimalPtr(current)
	b.ABV = decimalPtr(abv)
	b.BrewedAt = timePtr(brewed)
	b.FermentationStartedAt = timePtr(fermenting)
	b.ConditioningStartedAt = timePtr(conditioning)
	b.ReadyAt = timePtr(ready)
	b.PackagingStartedAt = timePtr(packaging)
	b.CompletedAt = timePtr(completed)
	b.CancelledAt = timePtr(cancelled)
	return b, nil
}

func (r reader) GetBatch(ctx context.Context, tenant generic.TenantID, id generic.BatchID) (*generic.Batch, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE tenant_id = ? AND id = ?`, tenant, id)
	return one(ctx, "get batch", row, scanBatch)
}

func (r reader) GetBatchByIdempotencyKey(ctx context.Context, tenant generic.TenantID, key string) (*generic.Batch, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE tenant_id = ? AND idempotency_key = ?`, tenant, key)
	return one(ctx, "get batch by idempotency key", row, scanBatch)
}

func (r reader) ListBatches(ctx context.Context, tenant generic.TenantID, f generic.BatchFilter) ([]generic.Batch, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{tenant}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.RecipeID != "" {
		where = append(where, "recipe_id = ?")
		args = append(args, f.RecipeID)
	}
	if f.VesselID != "" {
		where = append(where, "vessel_id = ?")
		args = append(args, f.VesselID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, rowid DESC LIMIT %d OFFSET %d`, limit, max(f.Offset, 0))
	return many(ctx, r.q, "list batches", scanBatch, query, args...)
}

func scanIngredient(row rowScanner) (generic.BatchIngredient, error) {
	var (
		ing    generic.BatchIngredient
		itemID sql.NullString
	)
	if err := row.Scan(&ing.ID, &ing.TenantID, &ing.BatchID, &itemID, &ing.Name, &ing.Category,
		&ing.PlannedAmount, &ing.Unit); err != nil {
		return ing, err
	}
	if itemID.Valid {
		id := generic.ItemID(itemID.String)
		ing.ItemID = &id
	}
	return ing, nil
}

func (r reader) ListIngredients(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.BatchIngredient, error) {
	return many(ctx, r.q, "list ingredients", scanIngredient,
		`SELECT id, tenant_id, batch_id, item_id, name, category, planned_amount, unit
		 FROM batch_ingredients WHERE tenant_id = ? AND batch_id = ? ORDER BY rowid`, tenant, batchID)
}

func scanTimelineEvent(row rowScanner) (generic.TimelineEvent, error) {
	var (
		e    generic.TimelineEvent
		data sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.BatchID, &e.Type, &e.Title, &e.Description,
		&data, &e.Actor, &e.CreatedAt); err != nil {
		return e, err
	}
	if data.Valid && data.String != "" {
		e.Data = json.RawMessage(data.String)
	}
	return e, nil
}

func (r reader) ListTimeline(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.TimelineEvent, error) {
	return many(ctx, r.q, "list timeline", scanTimelineEvent,
		`SELECT id, tenant_id, batch_id, event_type, title, description, data_json, actor, created_at
		 FROM batch_timeline WHERE tenant_id = ? AND batch_id = ? ORDER BY created_at, rowid`, tenant, batchID)
}

func scanReading(row rowScanner) (generic.GravityReading, error) {
	var g generic.GravityReading
	err := row.Scan(&g.ID, &g.TenantID, &g.BatchID, &g.Gravity, &g.Temperature, &g.Notes, &g.Actor, &g.RecordedAt)
	return g, err
}

func (r reader) ListGravityReadings(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.GravityReading, error) {
	return many(ctx, r.q, "list gravity readings", scanReading,
		`SELECT id, tenant_id, batch_id, gravity, temperature, notes, actor, recorded_at
		 FROM gravity_readings WHERE tenant_id = ? AND batch_id = ? ORDER BY recorded_at, rowid`, tenant, batchID)
}

func scanPackagingRun(row rowScanner) (generic.PackagingRun, error) {
	var p generic.PackagingRun
	err := row.Scan(&p.ID, &p.TenantID, &p.BatchID, &p.PackageType, &p.Quantity, &p.VolumePerUnit,
		&p.TotalVolume, &p.LotNumber, &p.ProductItemID, &p.Actor, &p.CreatedAt)
	return p, err
}

func (r reader) ListPackagingRuns(ctx context.Context, tenant generic.TenantID, batchID generic.BatchID) ([]generic.PackagingRun, error) {
	return many(ctx, r.q, "list packaging runs", scanPackagingRun,
		`SELECT id, tenant_id, batch_id, package_type, quantity, volume_per_unit, total_volume,
		        lot_number, product_item_id, actor, created_at
		 FROM packaging_runs WHERE tenant_id = ? AND batch_id = ? ORDER BY created_at, rowid`, tenant, batchID)
}

func scanRecipe(row rowScanner) (generic.Recipe, error) {
	var (
		rec         generic.Recipe
		targetOG    decimal.NullDecimal
		ingredients string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.BatchSize, &targetOG, &ingredients); err != nil {
		return rec, err
	}
	rec.TargetOG = decimalPtr(targetOG)
	if err := json.Unmarshal([]byte(ingredients), &rec.Ingredients); err != nil {
		return rec, fmt.Errorf("decode recipe ingredients: %w", err)
	}
	return rec, nil
}

func (r reader) GetRecipe(ctx context.Context, tenant generic.TenantID, id generic.RecipeID) (*generic.Recipe, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, batch_size, target_og, ingredients_json
		 FROM recipes WHERE tenant_id = ? AND id = ?`, tenant, id)
	return one(ctx, "get recipe", row, scanRecipe)
}

// =============================================================================
// TX STORE (generic.Tx)
// =============================================================================

type txStore struct {
	reader
	tx *sql.Tx
}

// LockItems reads the rows under the transaction's write lock.
func (t *txStore) LockItems(ctx context.Context, tenant generic.TenantID, ids []generic.ItemID) ([]generic.InventoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{tenant}
	for _, id := range ids {
		args = append(args, id)
	}
	return many(ctx, t.q, "lock items", scanItem,
		`SELECT `+itemColumns+` FROM inventory_items
		 WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

func (t *txStore) LockVessels(ctx context.Context, tenant generic.TenantID, ids []generic.VesselID) ([]generic.Vessel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{tenant}
	for _, id := range ids {
		args = append(args, id)
	}
	return many(ctx, t.q, "lock vessels", scanVessel,
		`SELECT `+vesselColumns+` FROM vessels
		 WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

func (t *txStore) LockBatch(ctx context.Context, tenant generic.TenantID, id generic.BatchID) (*generic.Batch, error) {
	return t.GetBatch(ctx, tenant, id)
}

func (t *txStore) InsertItem(ctx context.Context, it generic.InventoryItem) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO inventory_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, '0', ?, ?)`,
		it.ID, it.TenantID, it.SKU, it.Name, it.Category, it.Unit, it.CreatedAt, it.UpdatedAt)
	return mapErr(ctx, "insert item", err)
}

func (t *txStore) EnsureItem(ctx context.Context, it generic.InventoryItem) (*generic.InventoryItem, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO inventory_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, '0', ?, ?)
		 ON CONFLICT(tenant_id, sku) DO NOTHING`,
		it.ID, it.TenantID, it.SKU, it.Name, it.Category, it.Unit, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return nil, mapErr(ctx, "ensure item", err)
	}
	return t.GetItemBySKU(ctx, it.TenantID, it.SKU)
}

// AppendLedgerEntry inserts e and moves the cached balance by e.Quantity.
func (t *txStore) AppendLedgerEntry(ctx context.Context, e generic.LedgerEntry) error {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT cached_balance FROM inventory_items WHERE tenant_id = ? AND id = ?`,
		e.TenantID, e.ItemID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return &generic.NotFoundError{Resource: "item", ID: string(e.ItemID)}
	}
	if err != nil {
		return mapErr(ctx, "read cached balance", err)
	}

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ItemID, e.Quantity.String(), e.Type, e.BatchID, e.ReversesID,
		e.Note, e.Actor, e.CreatedAt); err != nil {
		return mapErr(ctx, "append ledger entry", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE inventory_items SET cached_balance = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		balance.Add(e.Quantity).String(), e.CreatedAt, e.TenantID, e.ItemID); err != nil {
		return mapErr(ctx, "update cached balance", err)
	}
	return nil
}

func (t *txStore) InsertVessel(ctx context.Context, v generic.Vessel) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO vessels (`+vesselColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, v.Name, v.Type, v.Capacity.String(), v.Status, v.CurrentBatchID, v.CreatedAt, v.UpdatedAt)
	return mapErr(ctx, "insert vessel", err)
}

func (t *txStore) UpdateVessel(ctx context.Context, v generic.Vessel) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE vessels SET status = ?, current_batch_id = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		v.Status, v.CurrentBatchID, v.UpdatedAt, v.TenantID, v.ID)
	return mapErr(ctx, "update vessel", err)
}

func (t *txStore) InsertOccupation(ctx context.Context, o generic.Occupation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO vessel_occupations (`+occupationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.VesselID, o.BatchID, o.Phase, o.StartedAt, o.EndedAt)
	return mapErr(ctx, "insert occupation", err)
}

func (t *txStore) CloseOccupation(ctx context.Context, tenant generic.TenantID, id string, endedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE vessel_occupations SET ended_at = ? WHERE tenant_id = ? AND id = ? AND ended_at IS NULL`,
		endedAt, tenant, id)
	return mapErr(ctx, "close occupation", err)
}

func batchArgs(b generic.Batch) []any {
	return []any{
		b.ID, b.TenantID, b.BatchNumber, b.RecipeID, b.RecipeName, b.VesselID, b.Volume.String(), b.Status,
		b.PlannedDate, b.Notes, decimalArg(b.TargetOG), decimalArg(b.OriginalGravity), decimalArg(b.FinalGravity),
		decimalArg(b.CurrentGravity), decimalArg(b.ABV),
		b.BrewedAt, b.FermentationStartedAt, b.ConditioningStartedAt, b.ReadyAt, b.PackagingStartedAt,
		b.CompletedAt, b.CancelledAt, b.CancelReason, nullString(b.IdempotencyKey), b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	}
}

func (t *txStore) InsertBatch(ctx context.Context, b generic.Batch) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO batches (`+batchColumns+`) VALUES (`+placeholders(27)+`)`, batchArgs(b)...)
	return mapErr(ctx, "insert batch", err)
}

// UpdateBatch rewrites the mutable projection columns. Identity, recipe,
// volume and creation fields are fixed at insert.
func (t *txStore) UpdateBatch(ctx context.Context, b generic.Batch) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE batches SET vessel_id = ?, status = ?, original_gravity = ?, final_gravity = ?,
		        current_gravity = ?, abv = ?, brewed_at = ?, fermentation_started_at = ?,
		        conditioning_started_at = ?, ready_at = ?, packaging_started_at = ?, completed_at = ?,
		        cancelled_at = ?, cancel_reason = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		b.VesselID, b.Status, decimalArg(b.OriginalGravity), decimalArg(b.FinalGravity),
		decimalArg(b.CurrentGravity), decimalArg(b.ABV), b.BrewedAt, b.FermentationStartedAt,
		b.ConditioningStartedAt, b.ReadyAt, b.PackagingStartedAt, b.CompletedAt,
		b.CancelledAt, b.CancelReason, b.UpdatedAt, b.TenantID, b.ID)
	return mapErr(ctx, "update batch", err)
}

func (t *txStore) InsertIngredients(ctx context.Context, ings []generic.BatchIngredient) error {
	for _, ing := range ings {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO batch_ingredients (id, tenant_id, batch_id, item_id, name, category, planned_amount, unit)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ing.ID, ing.TenantID, ing.BatchID, ing.ItemID, ing.Name, ing.Category,
			ing.PlannedAmount.String(), ing.Unit); err != nil {
			return mapErr(ctx, "insert ingredient", err)
		}
	}
	return nil
}

func (t *txStore) InsertTimelineEvent(ctx context.Context, e generic.TimelineEvent) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		data = sql.NullString{String: string(e.Data), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO batch_timeline (id, tenant_id, batch_id, event_type, title, description, data_json, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.BatchID, e.Type, e.Title, e.Description, data, e.Actor, e.CreatedAt)
	return mapErr(ctx, "insert timeline event", err)
}

func (t *txStore) InsertGravityReading(ctx context.Context, g generic.GravityReading) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO gravity_readings (id, tenant_id, batch_id, gravity, temperature, notes, actor, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.TenantID, g.BatchID, g.Gravity.String(), g.Temperature.String(), g.Notes, g.Actor, g.RecordedAt)
	return mapErr(ctx, "insert gravity reading", err)
}

func (t *txStore) InsertPackagingRun(ctx context.Context, p generic.PackagingRun) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO packaging_runs (id, tenant_id, batch_id, package_type, quantity, volume_per_unit,
		                             total_volume, lot_number, product_item_id, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.BatchID, p.PackageType, p.Quantity, p.VolumePerUnit.String(),
		p.TotalVolume.String(), p.LotNumber, p.ProductItemID, p.Actor, p.CreatedAt)
	return mapErr(ctx, "insert packaging run", err)
}

func (t *txStore) NextBatchSequence(ctx context.Context, tenant generic.TenantID, year int) (int, error) {
	var next int
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO batch_sequences (tenant_id, year, last_seq) VALUES (?, ?, 1)
		 ON CONFLICT(tenant_id, year) DO UPDATE SET last_seq = last_seq + 1
		 RETURNING last_seq`, tenant, year).Scan(&next)
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
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO recipes (id, tenant_id, name, batch_size, target_og, ingredients_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, batch_size = excluded.batch_size,
		    target_og = excluded.target_og, ingredients_json = excluded.ingredients_json,
		    updated_at = excluded.updated_at`,
		rec.ID, rec.TenantID, rec.Name, rec.BatchSize.String(), decimalArg(rec.TargetOG),
		string(ingredients), generic.SystemClock())
	return mapErr(ctx, "save recipe", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func one[T any](ctx context.Context, op string, row *sql.Row, scan func(rowScanner) (T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(ctx, op, err)
	}
	return &v, nil
}

func many[T any](ctx context.Context, q queryer, op string, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(ctx, op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, op, err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decimalArg(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var _ generic.Store = (*Store)(nil)
var _ generic.Tx = (*txStore)(nil)
