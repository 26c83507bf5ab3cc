package brewing

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel/attribute"
)

// InventoryService registers stock items and records movements that do not
// belong to a batch.
type InventoryService struct {
	*core
}

// RegisterItemRequest describes a new stock item.
type RegisterItemRequest struct {
	SKU      string
	Name     string
	Category string
	Unit     generic.Unit
}

// MovementRequest is a purchase or an adjustment.
type MovementRequest struct {
	ItemID         generic.ItemID  `json:"item_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"-"`
}

func validUnit(u generic.Unit) bool {
	switch u {
	case generic.UnitKilograms, generic.UnitGrams, generic.UnitLiters, generic.UnitEach:
		return true
	}
	return false
}

func itemAttr(id generic.ItemID) attribute.KeyValue {
	return attribute.String("item.id", string(id))
}

// RegisterItem creates an item with a zero balance.
func (s *InventoryService) RegisterItem(ctx context.Context, p generic.Principal, req RegisterItemRequest) (item generic.InventoryItem, err error) {
	ctx, end := s.span(ctx, "InventoryService.RegisterItem", p, attribute.String("item.sku", req.SKU))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return item, err
	}
	if req.SKU == "" {
		return item, generic.Invalid("sku", "required")
	}
	if req.Name == "" {
		return item, generic.Invalid("name", "required")
	}
	if !validUnit(req.Unit) {
		return item, generic.Invalid("unit", "unknown unit %q", req.Unit)
	}
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		existing, err := tx.GetItemBySKU(ctx, p.TenantID, req.SKU)
		if err != nil {
			return err
		}
		if existing != nil {
			return generic.Invalid("sku", "%q is already registered", req.SKU)
		}
		now := s.clock()
		item = generic.InventoryItem{
			ID:            generic.ItemID(generic.NewID()),
			TenantID:      p.TenantID,
			SKU:           req.SKU,
			Name:          req.Name,
			Category:      req.Category,
			Unit:          req.Unit,
			CachedBalance: decimal.Zero,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		s.reject("register_item", p, err)
		return generic.InventoryItem{}, err
	}
	s.log.Info().Str("tenant", string(p.TenantID)).Str("item_id", string(item.ID)).Str("sku", item.SKU).Msg("item registered")
	return item, nil
}

// RecordPurchase appends a positive PURCHASE entry.
func (s *InventoryService) RecordPurchase(ctx context.Context, p generic.Principal, req MovementRequest) (generic.LedgerEntry, error) {
	return s.move(ctx, p, "InventoryService.RecordPurchase", generic.EntryPurchase, req)
}

// Adjust appends a non-zero ADJUSTMENT of either sign. A reason is required
// and the result is not clamped at zero.
func (s *InventoryService) Adjust(ctx context.Context, p generic.Principal, req MovementRequest) (generic.LedgerEntry, error) {
	return s.move(ctx, p, "InventoryService.Adjust", generic.EntryAdjustment, req)
}

func (s *InventoryService) move(ctx context.Context, p generic.Principal, name string, typ generic.EntryType, req MovementRequest) (entry generic.LedgerEntry, err error) {
	ctx, end := s.span(ctx, name, p, itemAttr(req.ItemID))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return entry, err
	}
	candidate := generic.LedgerEntry{
		TenantID: p.TenantID,
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Type:     typ,
		Note:     req.Note,
		Actor:    p.UserID,
	}
	if err := generic.ValidateEntry(candidate); err != nil {
		return entry, err
	}

	entry, _, err = generic.Execute(ctx, s.guard, p.TenantID, req.IdempotencyKey, struct {
		Type generic.EntryType
		MovementRequest
	}{typ, req}, func(ctx context.Context) (generic.LedgerEntry, error) {
		var out generic.LedgerEntry
		err := s.store.WithTx(ctx, func(tx generic.Tx) error {
			if _, err := s.ledger.LockForUpdate(ctx, tx, p.TenantID, []generic.ItemID{req.ItemID}); err != nil {
				return err
			}
			e, err := s.ledger.Append(ctx, tx, candidate)
			out = e
			return err
		})
		return out, err
	})
	if err != nil {
		s.reject(string(typ), p, err)
		return generic.LedgerEntry{}, err
	}
	s.log.Info().Str("tenant", string(p.TenantID)).Str("item_id", string(entry.ItemID)).
		Str("type", string(entry.Type)).Str("quantity", entry.Quantity.String()).Msg("inventory movement")
	return entry, nil
}

// GetItem returns one item with its cached balance.
func (s *InventoryService) GetItem(ctx context.Context, p generic.Principal, id generic.ItemID) (generic.InventoryItem, error) {
	if err := p.Validate(); err != nil {
		return generic.InventoryItem{}, err
	}
	it, err := s.store.GetItem(ctx, p.TenantID, id)
	if err != nil {
		return generic.InventoryItem{}, err
	}
	if it == nil {
		return generic.InventoryItem{}, &generic.NotFoundError{Resource: "item", ID: string(id)}
	}
	return *it, nil
}

// ListItems returns every item of the tenant ordered by SKU.
func (s *InventoryService) ListItems(ctx context.Context, p generic.Principal) ([]generic.InventoryItem, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.store.ListItems(ctx, p.TenantID)
}

// GetPosition is the cached, lock-free stock view.
func (s *InventoryService) GetPosition(ctx context.Context, p generic.Principal, id generic.ItemID) (pos generic.Position, err error) {
	ctx, end := s.span(ctx, "InventoryService.GetPosition", p, itemAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return pos, err
	}
	return generic.GetPosition(ctx, s.store, p.TenantID, id)
}

// VerifyBalance recomputes the ledger sum and compares it with the cache.
// Drift is logged at error level.
func (s *InventoryService) VerifyBalance(ctx context.Context, p generic.Principal, id generic.ItemID) (check generic.BalanceCheck, err error) {
	ctx, end := s.span(ctx, "InventoryService.VerifyBalance", p, itemAttr(id))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return check, err
	}
	// One transaction so the cache and the sum come from the same snapshot.
	err = s.store.WithTx(ctx, func(tx generic.Tx) error {
		check, err = generic.VerifyBalance(ctx, tx, p.TenantID, id)
		return err
	})
	if err == nil && !check.Consistent {
		s.log.Error().Str("tenant", string(p.TenantID)).Str("item_id", string(id)).
			Str("cached", check.Cached.String()).Str("ledger", check.LedgerSum.String()).
			Msg("cached balance drift")
	}
	return check, err
}

// History lists an item's ledger entries, newest first.
func (s *InventoryService) History(ctx context.Context, p generic.Principal, id generic.ItemID, limit int) ([]generic.LedgerEntry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetItem(ctx, p, id); err != nil {
		return nil, err
	}
	return s.store.ListLedgerEntries(ctx, p.TenantID, generic.LedgerFilter{ItemID: id, Limit: limit})
}
