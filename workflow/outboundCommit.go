package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CommitLine is one requested deduction. Duplicate lines for the same slot are
// merged before any lock is taken.
type CommitLine struct {
	ItemId      int             `json:"item_id" binding:"required"`
	WarehouseId int             `json:"warehouse_id" binding:"required"`
	BatchCode   *string         `json:"batch_code"`
	Qty         decimal.Decimal `json:"qty" binding:"required"`
	RefLine     int             `json:"ref_line"`
}

type CommitRequest struct {
	Scope     models.Scope
	Platform  string
	ShopId    string
	Reference string
	Lines     []CommitLine
	TraceId   string
}

type CommitResult struct {
	Status      string       `json:"status"`
	Idempotent  bool         `json:"idempotent"`
	TraceId     string       `json:"trace_id"`
	CommittedAt time.Time    `json:"committed_at"`
	Diff        *DiffSummary `json:"diff,omitempty"`
}

// MergeCommitLines sums lines sharing the same (item, warehouse, batch) slot
// into one net quantity, preserving first-appearance order. This removes the
// class of bugs where a caller's duplicated sub-lines would double-post.
func MergeCommitLines(lines []CommitLine) []CommitLine {
	type slotKey struct {
		itemId      int
		warehouseId int
		batch       string
		hasBatch    bool
	}
	merged := make([]CommitLine, 0, len(lines))
	index := make(map[slotKey]int, len(lines))
	for _, line := range lines {
		batch := utils.NormalizeBatchCode(line.BatchCode)
		key := slotKey{itemId: line.ItemId, warehouseId: line.WarehouseId}
		if batch != nil {
			key.batch = *batch
			key.hasBatch = true
		}
		if i, ok := index[key]; ok {
			merged[i].Qty = merged[i].Qty.Add(line.Qty)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, CommitLine{
			ItemId:      line.ItemId,
			WarehouseId: line.WarehouseId,
			BatchCode:   batch,
			Qty:         line.Qty,
			RefLine:     line.RefLine,
		})
	}
	return merged
}

// certClaimLost signals that another transaction won the certificate race; the
// local result is discarded and the winner's certificate is adopted.
var certClaimLost = errors.New("ship certificate claim lost")

// CommitOutbound fulfills a business reference exactly once: after the first
// success, commit is a pure function of the reference and replays are always
// safe. All lines succeed or none do.
//
// Serialization: the advisory lock keyed by (scope, platform, shop, reference)
// is acquired before the certificate is read and released only after COMMIT,
// so a waiter that takes over the lock always observes the winner's
// certificate. Row locks on each touched slot serialize deduction against
// other references.
func CommitOutbound(db *gorm.DB, ctx context.Context, logger *logrus.Logger, req CommitRequest) (*CommitResult, error) {
	if req.Scope == "" {
		req.Scope = models.ScopeProd
	}
	lockKey := ShipLockKey(req.Scope, req.Platform, req.ShopId, req.Reference)
	var lock ShipLock = MySQLShipLock{}

	// GET_LOCK is connection-scoped: pin one connection so the lock outlives
	// the transaction and is released after COMMIT, never in the window
	// between the closure returning and gorm committing.
	var result *CommitResult
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := lock.Acquire(conn, lockKey); err != nil {
			return err
		}
		defer lock.Release(conn, lockKey)

		return conn.Transaction(func(tx *gorm.DB) error {
			var txErr error
			result, txErr = commitOutboundLocked(tx, ctx, req)
			return txErr
		})
	})
	if errors.Is(err, certClaimLost) {
		// The unique constraint is the final arbiter: adopt the winner.
		return adoptWinnerCertificate(db, ctx, req)
	}
	if err != nil {
		if _, ok := AsOpError(err); !ok {
			config.LogError(logger, "outboundCommit.go", "CommitOutbound", "Transaction", req.Reference, err)
		}
		return nil, err
	}
	return result, nil
}

func commitOutboundLocked(tx *gorm.DB, ctx context.Context, req CommitRequest) (*CommitResult, error) {
	// 1. Idempotency short-circuit.
	cert, err := findCertificate(tx, ctx, req)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		if req.TraceId != "" && req.TraceId != cert.TraceId {
			return nil, NewIdempotencyConflictError(req.Reference)
		}
		if err := models.EmitAuditEvent(ctx, tx, req.Scope, models.AuditEventIdempotentReplay, 0, 0, req.Reference, map[string]string{
			"platform": req.Platform,
			"shop_id":  req.ShopId,
			"trace_id": cert.TraceId,
		}); err != nil {
			return nil, err
		}
		return &CommitResult{
			Status:      "committed",
			Idempotent:  true,
			TraceId:     cert.TraceId,
			CommittedAt: cert.CommittedAt,
		}, nil
	}

	traceId := req.TraceId
	if traceId == "" {
		if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok && cid != "" {
			traceId = cid
		} else {
			traceId = uuid.NewString()
		}
	}

	// 2. Line merge before any lock is taken or any row written.
	merged := MergeCommitLines(req.Lines)
	if len(merged) == 0 {
		return nil, fmt.Errorf("commit for reference %q has no lines", req.Reference)
	}

	// 3. Batch-requirement validation.
	itemIds := make([]int, 0, len(merged))
	for _, line := range merged {
		itemIds = append(itemIds, line.ItemId)
	}
	shelfLife, err := models.GetItemShelfLifeFlags(tx, ctx, itemIds)
	if err != nil {
		return nil, err
	}
	for _, line := range merged {
		if shelfLife[line.ItemId] && line.BatchCode == nil {
			return nil, NewBatchRequiredError(line.ItemId)
		}
		if !shelfLife[line.ItemId] && line.BatchCode != nil {
			return nil, &OpError{
				Kind:      ErrKindBatchRequired,
				Message:   "item does not use batches; batch dimension must be null",
				ItemId:    line.ItemId,
				BatchCode: line.BatchCode,
			}
		}
	}

	// FEFO recommendations are taken before deduction so the snapshot the
	// operator deviated from is the one that gets audited.
	recommendations, usedBatches, err := fefoSnapshot(tx, ctx, req.Scope, merged)
	if err != nil {
		return nil, err
	}

	// 4. Availability check + deduction under row locks, in line order.
	committedAt := time.Now().UTC()
	for _, line := range merged {
		slot, err := lockSlot(tx, ctx, req.Scope, line.WarehouseId, line.ItemId, line.BatchCode)
		if err != nil {
			return nil, err
		}
		available := decimal.Zero
		if slot != nil {
			available = slot.Qty
		}
		if available.Cmp(line.Qty) < 0 {
			return nil, NewInsufficientStockError(line.ItemId, line.BatchCode, line.Qty, available)
		}
		ref := SlotRef{Scope: req.Scope, WarehouseId: line.WarehouseId, ItemId: line.ItemId, BatchCode: line.BatchCode}
		if _, err := PostMovement(tx, ctx, ref, line.Qty.Neg(), models.StockReasonOutboundShip, req.Reference, line.RefLine, committedAt, traceId); err != nil {
			return nil, err
		}
	}

	// Soft-FEFO audit: a commit that skips the recommended batch entirely is a
	// policy signal for operators, never an error.
	for key, rec := range recommendations {
		used := usedBatches[key]
		if FefoDeviation(rec, used) {
			payload := models.FefoDeviationPayload{RecommendedBatch: *rec, UsedBatches: used}
			if err := models.EmitAuditEvent(ctx, tx, req.Scope, models.AuditEventFefoDeviation, key.warehouseId, key.itemId, req.Reference, payload); err != nil {
				return nil, err
			}
		}
	}

	// 5. Certificate claim. Insert-or-adopt: the unique constraint decides.
	newCert := models.ShipCertificate{
		Scope:       req.Scope,
		Platform:    req.Platform,
		ShopId:      req.ShopId,
		Reference:   req.Reference,
		TraceId:     traceId,
		State:       models.ShipCertificateStateCommitted,
		CommittedAt: committedAt,
	}
	if err := tx.WithContext(ctx).Create(&newCert).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, certClaimLost
		}
		return nil, err
	}

	return &CommitResult{
		Status:      "committed",
		Idempotent:  false,
		TraceId:     traceId,
		CommittedAt: committedAt,
	}, nil
}

type itemSlotKey struct {
	warehouseId int
	itemId      int
}

// fefoSnapshot captures, per (warehouse, item) with batched usage, the current
// FEFO recommendation and the batch set the commit is about to consume.
func fefoSnapshot(tx *gorm.DB, ctx context.Context, scope models.Scope, merged []CommitLine) (map[itemSlotKey]*string, map[itemSlotKey][]string, error) {
	recommendations := make(map[itemSlotKey]*string)
	usedBatches := make(map[itemSlotKey][]string)
	for _, line := range merged {
		if line.BatchCode == nil {
			continue
		}
		key := itemSlotKey{warehouseId: line.WarehouseId, itemId: line.ItemId}
		usedBatches[key] = append(usedBatches[key], *line.BatchCode)
		if _, seen := recommendations[key]; seen {
			continue
		}
		rec, err := RecommendBatch(tx, ctx, scope, line.WarehouseId, line.ItemId)
		if err != nil {
			return nil, nil, err
		}
		recommendations[key] = rec
	}
	return recommendations, usedBatches, nil
}

func findCertificate(tx *gorm.DB, ctx context.Context, req CommitRequest) (*models.ShipCertificate, error) {
	var cert models.ShipCertificate
	err := tx.WithContext(ctx).
		Where("scope = ? AND platform = ? AND shop_id = ? AND reference = ?", req.Scope, req.Platform, req.ShopId, req.Reference).
		First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func adoptWinnerCertificate(db *gorm.DB, ctx context.Context, req CommitRequest) (*CommitResult, error) {
	var cert models.ShipCertificate
	if err := db.WithContext(ctx).
		Where("scope = ? AND platform = ? AND shop_id = ? AND reference = ?", req.Scope, req.Platform, req.ShopId, req.Reference).
		First(&cert).Error; err != nil {
		return nil, err
	}
	if req.TraceId != "" && req.TraceId != cert.TraceId {
		return nil, NewIdempotencyConflictError(req.Reference)
	}
	return &CommitResult{
		Status:      "committed",
		Idempotent:  true,
		TraceId:     cert.TraceId,
		CommittedAt: cert.CommittedAt,
	}, nil
}
