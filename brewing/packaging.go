/*
packaging.go - Packaging Transaction Service

PURPOSE:
  Converts a finished batch into packaged goods. Each run debits one unit
  of every packaging material per package, credits the finished-goods
  item and records a PackagingRun. Runs accumulate until the packaged
  volume reaches PackagingCompletionRatio of the batch volume, at which
  point the batch is COMPLETED and its vessel goes to CLEANING.

FINISHED GOODS:
  The product item is created on first use. Its id is derived from
  tenant + recipe + package type, so concurrent first runs converge on
  one row.

LOCK ORDER:
  Material and finished-goods items (by id), the batch's vessel, the batch.
*/
package brewing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel/attribute"
)

// PackagingService packages READY batches.
type PackagingService struct {
	*core
	catalog Catalog
}

// PackageRequest is one packaging run.
type PackageRequest struct {
	BatchID        generic.BatchID `json:"batch_id"`
	PackageType    string          `json:"package_type"`
	Quantity       int64           `json:"quantity"`
	LotNumber      string          `json:"lot_number,omitempty"`
	IdempotencyKey string          `json:"-"`
}

// PackageResult is the run and the batch after it.
type PackageResult struct {
	Batch     generic.Batch
	Run       generic.PackagingRun
	Completed bool
	// Remaining is the batch volume not yet packaged, in liters.
	Remaining decimal.Decimal
	Replayed  bool
}

// Package runs one packaging operation against a READY or PACKAGING batch.
func (s *PackagingService) Package(ctx context.Context, p generic.Principal, req PackageRequest) (res PackageResult, err error) {
	ctx, end := s.span(ctx, "PackagingService.Package", p, batchAttr(req.BatchID),
		attribute.String("package.type", req.PackageType), attribute.Int64("package.quantity", req.Quantity))
	defer func() { end(err) }()

	if err := p.Validate(); err != nil {
		return res, err
	}
	if req.BatchID == "" {
		return res, generic.Invalid("batch_id", "required")
	}
	if req.Quantity <= 0 {
		return res, generic.Invalid("quantity", "must be positive")
	}
	if s.catalog == nil {
		return res, fmt.Errorf("%w: no packaging catalog configured", generic.ErrInternal)
	}
	spec, err := s.catalog.Resolve(req.PackageType)
	if err != nil {
		return res, err
	}

	out, replayed, err := generic.Execute(ctx, s.guard, p.TenantID, req.IdempotencyKey, req,
		func(ctx context.Context) (PackageResult, error) {
			return s.pack(ctx, p, req, spec)
		})
	if err != nil {
		return res, err
	}
	out.Replayed = replayed
	if !replayed {
		s.committed("package", p, out.Batch)
	}
	return out, nil
}

func (s *PackagingService) pack(ctx context.Context, p generic.Principal, req PackageRequest, spec generic.PackageSpec) (PackageResult, error) {
	var res PackageResult
	err := s.mutate(ctx, "package", p, func(tx generic.Tx, rec *recorder) error {
		snap, err := readBatch(ctx, tx, p, req.BatchID)
		if err != nil {
			return err
		}
		if err := requireStatus(snap, "package", generic.StatusReady, generic.StatusPackaging); err != nil {
			return err
		}

		// Resolve item ids before taking any lock.
		materials := make([]generic.ItemID, 0, len(spec.MaterialSKUs))
		for _, sku := range spec.MaterialSKUs {
			it, err := tx.GetItemBySKU(ctx, p.TenantID, sku)
			if err != nil {
				return err
			}
			if it == nil {
				return &generic.NotFoundError{Resource: "item", ID: sku}
			}
			materials = append(materials, it.ID)
		}
		now := s.clock()
		product, err := tx.EnsureItem(ctx, generic.InventoryItem{
			ID:        FinishedGoodsID(p.TenantID, snap.RecipeID, spec.Type),
			TenantID:  p.TenantID,
			SKU:       FinishedGoodsSKU(snap.RecipeID, spec.Type),
			Name:      fmt.Sprintf("%s (%s)", snap.RecipeName, spec.Type),
			Category:  "finished_goods",
			Unit:      generic.UnitEach,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}

		l, err := s.lockAll(ctx, tx, p, snap, append(materials, product.ID))
		if err != nil {
			return err
		}
		cur := l.batch
		if err := requireStatus(cur, "package", generic.StatusReady, generic.StatusPackaging); err != nil {
			return err
		}

		runs, err := tx.ListPackagingRuns(ctx, p.TenantID, cur.ID)
		if err != nil {
			return err
		}
		packaged := decimal.Zero
		for _, r := range runs {
			packaged = packaged.Add(r.TotalVolume)
		}
		remaining := cur.Volume.Sub(packaged)
		requested := spec.VolumePerUnit.Mul(decimal.NewFromInt(req.Quantity))
		if requested.GreaterThan(remaining) {
			return generic.Invalid("quantity", "%d × %s L = %s L exceeds remaining %s L",
				req.Quantity, spec.VolumePerUnit, requested, remaining)
		}

		qty := decimal.NewFromInt(req.Quantity)
		reqs := make([]generic.Requirement, len(materials))
		for i, id := range materials {
			reqs[i] = generic.Requirement{ItemID: id, Quantity: qty}
		}
		if err := generic.CheckAvailability(l.items, reqs); err != nil {
			return err
		}

		lot := req.LotNumber
		if lot == "" {
			lot = fmt.Sprintf("%s-%02d", cur.BatchNumber, len(runs)+1)
		}
		batchID := cur.ID
		for _, id := range materials {
			if _, err := s.ledger.Append(ctx, tx, generic.LedgerEntry{
				TenantID: p.TenantID,
				ItemID:   id,
				Quantity: qty.Neg(),
				Type:     generic.EntryConsumption,
				BatchID:  &batchID,
				Note:     "packaging " + lot,
				Actor:    p.UserID,
			}); err != nil {
				return err
			}
		}
		run := generic.PackagingRun{
			ID:            generic.NewID(),
			TenantID:      p.TenantID,
			BatchID:       cur.ID,
			PackageType:   spec.Type,
			Quantity:      req.Quantity,
			VolumePerUnit: spec.VolumePerUnit,
			TotalVolume:   requested,
			LotNumber:     lot,
			ProductItemID: product.ID,
			Actor:         p.UserID,
			CreatedAt:     now,
		}
		if err := tx.InsertPackagingRun(ctx, run); err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, generic.LedgerEntry{
			TenantID: p.TenantID,
			ItemID:   product.ID,
			Quantity: qty,
			Type:     generic.EntryProduction,
			BatchID:  &batchID,
			Note:     "packaging " + lot,
			Actor:    p.UserID,
		}); err != nil {
			return err
		}

		total := packaged.Add(requested)
		completed := total.GreaterThanOrEqual(cur.Volume.Mul(PackagingCompletionRatio))
		if cur.PackagingStartedAt == nil {
			cur.PackagingStartedAt = &now
		}
		cur.Status = generic.StatusPackaging
		cur.UpdatedAt = now
		if err := rec.record(ctx, tx, cur, generic.EventPackaged,
			fmt.Sprintf("Packaged %d × %s", req.Quantity, spec.Type), "lot "+lot,
			map[string]any{"run_id": run.ID, "total_volume": requested, "packaged_volume": total}); err != nil {
			return err
		}
		if completed {
			if vid := vesselOf(cur); vid != "" {
				if _, err := s.registry.Release(ctx, tx, p.TenantID, vid, cur.ID, generic.VesselCleaning); err != nil {
					return err
				}
			}
			cur.Status = generic.StatusCompleted
			cur.CompletedAt = &now
			if err := rec.record(ctx, tx, cur, generic.EventCompleted, "Batch completed", "",
				map[string]any{"packaged_volume": total, "volume": cur.Volume}); err != nil {
				return err
			}
		}
		if err := tx.UpdateBatch(ctx, cur); err != nil {
			return err
		}

		res = PackageResult{Batch: cur, Run: run, Completed: completed, Remaining: cur.Volume.Sub(total)}
		return nil
	})
	return res, err
}
