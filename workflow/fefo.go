package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/wms_backend/models"
	"gorm.io/gorm"
)

// FefoCandidate is one batch eligible for allocation.
type FefoCandidate struct {
	BatchCode string
	ExpireAt  *time.Time
}

// OrderByExpiry sorts candidates first-expire-first: expire_at ascending with
// NULL expiry last, ties broken by batch code ascending. Pure; used by both
// the allocator and its tests.
func OrderByExpiry(candidates []FefoCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.ExpireAt == nil && b.ExpireAt == nil:
			return a.BatchCode < b.BatchCode
		case a.ExpireAt == nil:
			return false
		case b.ExpireAt == nil:
			return true
		case a.ExpireAt.Equal(*b.ExpireAt):
			return a.BatchCode < b.BatchCode
		default:
			return a.ExpireAt.Before(*b.ExpireAt)
		}
	})
}

// RecommendBatch proposes the batch an outbound pick should consume for
// (warehouse, item): the first-expiring batch with positive quantity. Returns
// nil when no batched stock is available. Advisory only — nothing is reserved
// or locked, and callers are free to pick a different batch (soft FEFO; the
// commit engine audits deviations).
func RecommendBatch(tx *gorm.DB, ctx context.Context, scope models.Scope, warehouseId, itemId int) (*string, error) {
	type slotWithExpiry struct {
		BatchCode *string
		ExpireAt  *time.Time
	}
	var rows []slotWithExpiry
	err := tx.WithContext(ctx).
		Model(&models.StockSlot{}).
		Select("stock_slots.batch_code, batches.expire_at").
		Joins("LEFT JOIN batches ON batches.item_id = stock_slots.item_id AND batches.warehouse_id = stock_slots.warehouse_id AND batches.batch_code = stock_slots.batch_code").
		Where("stock_slots.scope = ? AND stock_slots.warehouse_id = ? AND stock_slots.item_id = ? AND stock_slots.qty > 0 AND stock_slots.batch_code IS NOT NULL", scope, warehouseId, itemId).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	candidates := make([]FefoCandidate, 0, len(rows))
	for _, r := range rows {
		if r.BatchCode == nil {
			continue
		}
		candidates = append(candidates, FefoCandidate{BatchCode: *r.BatchCode, ExpireAt: r.ExpireAt})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	OrderByExpiry(candidates)
	best := candidates[0].BatchCode
	return &best, nil
}

// FefoDeviation reports whether the actually-used batch set for an item skips
// the recommended batch entirely. Pure; the commit engine turns a true result
// into a FEFO_DEVIATION audit event, never into an error.
func FefoDeviation(recommended *string, usedBatches []string) bool {
	if recommended == nil {
		return false
	}
	for _, b := range usedBatches {
		if b == *recommended {
			return false
		}
	}
	return len(usedBatches) > 0
}
