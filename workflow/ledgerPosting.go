package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SlotRef identifies one stock slot.
type SlotRef struct {
	Scope       models.Scope
	WarehouseId int
	ItemId      int
	BatchCode   *string
}

var ErrNegativeStock = errors.New("movement would drive stock slot below zero")

// PostMovement applies one quantity movement: the slot is loaded (or lazily
// created) under a row lock, mutated by exactly delta, and exactly one
// immutable ledger row is appended with the resulting after-qty snapshot.
// Runs entirely within the caller's transaction; the caller is responsible for
// pre-checking sufficiency on deductions unless STRICT_NEGATIVE_STOCK is set.
func PostMovement(tx *gorm.DB, ctx context.Context, slot SlotRef, delta decimal.Decimal, reason models.StockReason, reference string, refLine int, occurredAt time.Time, traceId string) (decimal.Decimal, error) {
	if !reason.Valid() {
		return decimal.Zero, models.ErrInvalidStockReason
	}
	batchCode := utils.NormalizeBatchCode(slot.BatchCode)
	scope := slot.Scope
	if scope == "" {
		scope = models.ScopeProd
	}

	row, err := lockSlot(tx, ctx, scope, slot.WarehouseId, slot.ItemId, batchCode)
	if err != nil {
		return decimal.Zero, err
	}
	if row == nil {
		// Lazily create the slot on first movement, then lock it. The unique
		// key on (scope, warehouse, item, batch) resolves creation races.
		created := models.StockSlot{
			Scope:       scope,
			WarehouseId: slot.WarehouseId,
			ItemId:      slot.ItemId,
			BatchCode:   batchCode,
		}
		if err := tx.WithContext(ctx).Create(&created).Error; err != nil {
			if !isDuplicateKeyErr(err) {
				return decimal.Zero, err
			}
		}
		row, err = lockSlot(tx, ctx, scope, slot.WarehouseId, slot.ItemId, batchCode)
		if err != nil {
			return decimal.Zero, err
		}
		if row == nil {
			return decimal.Zero, errors.New("stock slot vanished after create")
		}
	}

	afterQty := row.Qty.Add(delta)
	if config.StrictNegativeStock() && afterQty.IsNegative() {
		return decimal.Zero, ErrNegativeStock
	}

	if err := tx.WithContext(ctx).Model(&models.StockSlot{}).
		Where("id = ?", row.ID).
		Update("qty", afterQty).Error; err != nil {
		return decimal.Zero, err
	}

	entry := models.StockLedgerEntry{
		Scope:       scope,
		WarehouseId: slot.WarehouseId,
		ItemId:      slot.ItemId,
		BatchCode:   batchCode,
		Delta:       delta,
		Reason:      reason,
		Reference:   reference,
		RefLine:     refLine,
		AfterQty:    afterQty,
		OccurredAt:  occurredAt,
		TraceId:     traceId,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return decimal.Zero, err
	}
	return afterQty, nil
}

// PostMovementWithRetry wraps PostMovement in its own transaction and retries
// transient conflicts. This is the entry point for simple postings (receipts,
// adjustments, returns, counts) that run outside the advisory-locked ship path.
func PostMovementWithRetry(db *gorm.DB, ctx context.Context, logger *logrus.Logger, slot SlotRef, delta decimal.Decimal, reason models.StockReason, reference string, refLine int, traceId string) (decimal.Decimal, error) {
	var afterQty decimal.Decimal
	err := retryTransient(func() error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var perr error
			afterQty, perr = PostMovement(tx, ctx, slot, delta, reason, reference, refLine, time.Now().UTC(), traceId)
			return perr
		})
	})
	if err != nil {
		config.LogError(logger, "ledgerPosting.go", "PostMovementWithRetry", "PostMovement", slot, err)
		return decimal.Zero, err
	}
	return afterQty, nil
}

func lockSlot(tx *gorm.DB, ctx context.Context, scope models.Scope, warehouseId, itemId int, batchCode *string) (*models.StockSlot, error) {
	var row models.StockSlot
	q := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope = ? AND warehouse_id = ? AND item_id = ?", scope, warehouseId, itemId)
	if batchCode == nil {
		q = q.Where("batch_code IS NULL")
	} else {
		q = q.Where("batch_code = ?", *batchCode)
	}
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
