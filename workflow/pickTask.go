package workflow

import (
	"context"
	"errors"
	"sort"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PlannedLine is one expected (item, qty) from order-line expansion upstream.
type PlannedLine struct {
	OrderLineId int             `json:"order_line_id" binding:"required"`
	ItemId      int             `json:"item_id" binding:"required"`
	ReqQty      decimal.Decimal `json:"req_qty" binding:"required"`
	BatchCode   *string         `json:"batch_code"`
}

// CreatePickTask releases an order to the floor as a NEW task with one line
// per planned order line.
func CreatePickTask(db *gorm.DB, ctx context.Context, scope models.Scope, warehouseId int, platform, shopId, reference string, priority int, handoffCode *string, planned []PlannedLine) (*models.PickTask, error) {
	if scope == "" {
		scope = models.ScopeProd
	}
	task := models.PickTask{
		Scope:       scope,
		WarehouseId: warehouseId,
		Reference:   reference,
		Platform:    platform,
		ShopId:      shopId,
		Priority:    priority,
		HandoffCode: utils.NormalizeBatchCode(handoffCode),
		Status:      models.PickTaskStatusNew,
	}
	for _, p := range planned {
		orderLineId := p.OrderLineId
		task.Lines = append(task.Lines, models.PickTaskLine{
			ItemId:      p.ItemId,
			BatchCode:   utils.NormalizeBatchCode(p.BatchCode),
			OrderLineId: &orderLineId,
			ReqQty:      p.ReqQty,
			Status:      models.PickLineStatusOpen,
		})
	}
	if err := db.WithContext(ctx).Create(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// Scan records a picked fact against a task. A scan matching an existing
// (item, batch) line accumulates its picked quantity; an unmatched scan
// creates a temporary fact line with req_qty = scanned qty so an unplanned
// pick is self-consistent instead of reported as a false shortfall.
func Scan(db *gorm.DB, ctx context.Context, logger *logrus.Logger, taskId int, itemId int, qty decimal.Decimal, batchCode *string) (*models.PickTask, error) {
	var task *models.PickTask
	batch := utils.NormalizeBatchCode(batchCode)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		task, err = models.LoadPickTaskForUpdate(tx, ctx, taskId)
		if err != nil {
			return err
		}
		if !task.Status.Scannable() {
			return errors.New("task is not scannable in status " + string(task.Status))
		}

		matched := false
		for i := range task.Lines {
			line := &task.Lines[i]
			if line.ItemId != itemId || !batchEqual(line.BatchCode, batch) {
				continue
			}
			line.PickedQty = line.PickedQty.Add(qty)
			line.RecomputeStatus()
			if err := tx.WithContext(ctx).Model(&models.PickTaskLine{}).Where("id = ?", line.ID).Updates(map[string]interface{}{
				"picked_qty": line.PickedQty,
				"status":     line.Status,
			}).Error; err != nil {
				return err
			}
			matched = true
			break
		}
		if !matched {
			fact := models.PickTaskLine{
				PickTaskId: task.ID,
				ItemId:     itemId,
				BatchCode:  batch,
				ReqQty:     qty,
				PickedQty:  qty,
				Status:     models.PickLineStatusDone,
			}
			if err := tx.WithContext(ctx).Create(&fact).Error; err != nil {
				return err
			}
			task.Lines = append(task.Lines, fact)
		}

		// First positive pick moves the task onto the floor.
		if task.Status != models.PickTaskStatusPicking && anyPicked(task.Lines) {
			task.Status = models.PickTaskStatusPicking
			if err := tx.WithContext(ctx).Model(&models.PickTask{}).Where("id = ?", task.ID).
				Update("status", models.PickTaskStatusPicking).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "pickTask.go", "Scan", "Transaction", taskId, err)
		return nil, err
	}
	return task, nil
}

type ItemDiff struct {
	ItemId    int               `json:"item_id"`
	ReqQty    decimal.Decimal   `json:"req_qty"`
	PickedQty decimal.Decimal   `json:"picked_qty"`
	Delta     decimal.Decimal   `json:"delta"`
	Status    models.DiffStatus `json:"status"`
}

type DiffSummary struct {
	Items        []ItemDiff `json:"items"`
	HasDeviation bool       `json:"has_deviation"`
}

// ComputeDiff compares picked facts against the plan per item. Required
// quantity sums only over planned order lines; picked quantity sums over all
// lines including temporary facts.
func ComputeDiff(lines []models.PickTaskLine) DiffSummary {
	type agg struct {
		req    decimal.Decimal
		picked decimal.Decimal
	}
	perItem := make(map[int]*agg)
	order := make([]int, 0)
	for _, line := range lines {
		a, ok := perItem[line.ItemId]
		if !ok {
			a = &agg{}
			perItem[line.ItemId] = a
			order = append(order, line.ItemId)
		}
		if line.OrderLineId != nil {
			a.req = a.req.Add(line.ReqQty)
		}
		a.picked = a.picked.Add(line.PickedQty)
	}
	sort.Ints(order)

	summary := DiffSummary{Items: make([]ItemDiff, 0, len(order))}
	for _, itemId := range order {
		a := perItem[itemId]
		delta := a.picked.Sub(a.req)
		status := models.DiffStatusOK
		switch delta.Sign() {
		case -1:
			status = models.DiffStatusUnder
		case 1:
			status = models.DiffStatusOver
		}
		if status != models.DiffStatusOK {
			summary.HasDeviation = true
		}
		summary.Items = append(summary.Items, ItemDiff{
			ItemId:    itemId,
			ReqQty:    a.req,
			PickedQty: a.picked,
			Delta:     delta,
			Status:    status,
		})
	}
	return summary
}

// Diff returns the read-only pick-vs-plan comparison for a task.
func Diff(db *gorm.DB, ctx context.Context, taskId int) (*DiffSummary, error) {
	var lines []models.PickTaskLine
	if err := db.WithContext(ctx).Where("pick_task_id = ?", taskId).Order("id ASC").Find(&lines).Error; err != nil {
		return nil, err
	}
	summary := ComputeDiff(lines)
	return &summary, nil
}

type ShipParams struct {
	TaskId      int
	Platform    string
	ShopId      string
	HandoffCode *string
	TraceId     string
	AllowDiff   bool
}

// CommitShip drives a pick task through the outbound commit: dirty-state
// repair, diff gating, the ledger deduction, then advancing task and lines to
// DONE. The whole flow runs in one transaction holding the task row lock, so
// a concurrent scan either lands before the picked-fact snapshot or is
// rejected against the DONE task. The advisory lock is taken on the pinned
// connection before the transaction and released after COMMIT.
func CommitShip(db *gorm.DB, ctx context.Context, logger *logrus.Logger, params ShipParams) (*CommitResult, error) {
	var (
		result *CommitResult
		diff   DiffSummary
		req    CommitRequest
	)
	var lock ShipLock = MySQLShipLock{}
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		// The lock key needs the task's reference; read it without a row lock
		// first so the advisory lock is in place before the transaction opens.
		var probe models.PickTask
		if err := conn.WithContext(ctx).Where("id = ?", params.TaskId).First(&probe).Error; err != nil {
			return err
		}
		req = CommitRequest{
			Scope:     probe.Scope,
			Platform:  taskPlatform(&probe, params.Platform),
			ShopId:    taskShopId(&probe, params.ShopId),
			Reference: probe.Reference,
			TraceId:   params.TraceId,
		}
		lockKey := ShipLockKey(req.Scope, req.Platform, req.ShopId, req.Reference)
		if err := lock.Acquire(conn, lockKey); err != nil {
			return err
		}
		defer lock.Release(conn, lockKey)

		return conn.Transaction(func(tx *gorm.DB) error {
			task, err := models.LoadPickTaskForUpdate(tx, ctx, params.TaskId)
			if err != nil {
				return err
			}
			if err := repairDirtyStateLocked(tx, ctx, logger, task); err != nil {
				return err
			}
			diff = ComputeDiff(task.Lines)

			// DONE after repair means the certificate exists; replay is
			// answered from it without touching the ledger.
			if task.Status == models.PickTaskStatusDone {
				cert, err := findCertificate(tx, ctx, req)
				if err != nil {
					return err
				}
				if cert == nil {
					return errors.New("task is DONE but its ship certificate is missing")
				}
				if params.TraceId != "" && params.TraceId != cert.TraceId {
					return NewIdempotencyConflictError(req.Reference)
				}
				result = &CommitResult{
					Status:      "committed",
					Idempotent:  true,
					TraceId:     cert.TraceId,
					CommittedAt: cert.CommittedAt,
				}
				return nil
			}

			if config.HandoffCodeCheckEnabled() && params.HandoffCode != nil && task.HandoffCode != nil && *params.HandoffCode != *task.HandoffCode {
				return &OpError{
					Kind:    ErrKindHandoffCodeMismatch,
					Message: "handoff code does not match the one recorded on the task",
				}
			}

			lines := make([]CommitLine, 0, len(task.Lines))
			for _, l := range task.Lines {
				if l.PickedQty.Sign() <= 0 {
					continue
				}
				lines = append(lines, CommitLine{
					ItemId:      l.ItemId,
					WarehouseId: task.WarehouseId,
					BatchCode:   l.BatchCode,
					Qty:         l.PickedQty,
					RefLine:     l.ID,
				})
			}
			if len(lines) == 0 {
				return &OpError{
					Kind:    ErrKindEmptyPickLines,
					Message: "no picked quantities to commit",
				}
			}

			if !params.AllowDiff && diff.HasDeviation {
				return &OpError{
					Kind:    ErrKindDiffNotAllowed,
					Message: "picked quantities deviate from the plan and allow_diff is false",
				}
			}

			req.Lines = lines
			result, err = commitOutboundLocked(tx, ctx, req)
			if err != nil {
				return err
			}

			// Still under the task row lock: no scan can slip in between the
			// snapshot above and this transition.
			if err := tx.Model(&models.PickTaskLine{}).Where("pick_task_id = ?", task.ID).
				Update("status", models.PickLineStatusDone).Error; err != nil {
				return err
			}
			return tx.Model(&models.PickTask{}).Where("id = ?", task.ID).
				Update("status", models.PickTaskStatusDone).Error
		})
	})
	if errors.Is(err, certClaimLost) {
		// Another writer committed the reference first. The transaction rolled
		// back; adopt the winner's certificate and settle the task.
		result, err := adoptWinnerCertificate(db, ctx, req)
		if err != nil {
			return nil, err
		}
		if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.PickTaskLine{}).Where("pick_task_id = ?", params.TaskId).
				Update("status", models.PickLineStatusDone).Error; err != nil {
				return err
			}
			return tx.Model(&models.PickTask{}).Where("id = ?", params.TaskId).
				Update("status", models.PickTaskStatusDone).Error
		}); err != nil {
			config.LogError(logger, "pickTask.go", "CommitShip", "AdvanceToDone", params.TaskId, err)
			return nil, err
		}
		result.Diff = &diff
		return result, nil
	}
	if err != nil {
		if _, ok := AsOpError(err); !ok {
			config.LogError(logger, "pickTask.go", "CommitShip", "Transaction", params.TaskId, err)
		}
		return nil, err
	}
	result.Diff = &diff
	return result, nil
}

// repairDirtyStateLocked is the explicit compensating step run before the main
// transition, on a task already held under the row lock: a task found DONE
// with no commit certificate for its reference (a crash between marking DONE
// and writing the certificate, or vice versa) is demoted back to PICKING so
// the pipeline stays idempotent under process-crash recovery.
func repairDirtyStateLocked(tx *gorm.DB, ctx context.Context, logger *logrus.Logger, task *models.PickTask) error {
	if task.Status != models.PickTaskStatusDone {
		return nil
	}
	cert, err := findCertificate(tx, ctx, CommitRequest{
		Scope:     task.Scope,
		Platform:  task.Platform,
		ShopId:    task.ShopId,
		Reference: task.Reference,
	})
	if err != nil {
		return err
	}
	if cert != nil {
		return nil
	}

	task.Status = models.PickTaskStatusPicking
	if err := tx.Model(&models.PickTask{}).Where("id = ?", task.ID).
		Update("status", models.PickTaskStatusPicking).Error; err != nil {
		return err
	}
	for i := range task.Lines {
		line := &task.Lines[i]
		line.RecomputeStatus()
		if err := tx.Model(&models.PickTaskLine{}).Where("id = ?", line.ID).
			Update("status", line.Status).Error; err != nil {
			return err
		}
	}
	logger.WithFields(logrus.Fields{
		"module":    "pickTask.go",
		"task_id":   task.ID,
		"reference": task.Reference,
	}).Warn("demoted DONE task without ship certificate back to PICKING")
	return models.EmitAuditEvent(ctx, tx, task.Scope, models.AuditEventDirtyStateRepair, task.WarehouseId, 0, task.Reference, map[string]interface{}{
		"task_id": task.ID,
	})
}

func anyPicked(lines []models.PickTaskLine) bool {
	for _, l := range lines {
		if l.PickedQty.Sign() > 0 {
			return true
		}
	}
	return false
}

func batchEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func taskPlatform(task *models.PickTask, override string) string {
	if override != "" {
		return override
	}
	return task.Platform
}

func taskShopId(task *models.PickTask, override string) string {
	if override != "" {
		return override
	}
	return task.ShopId
}

// ReleaseTask moves a NEW task to READY (floor planning approved it).
func ReleaseTask(db *gorm.DB, ctx context.Context, taskId int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := models.LoadPickTaskForUpdate(tx, ctx, taskId)
		if err != nil {
			return err
		}
		if task.Status != models.PickTaskStatusNew {
			return errors.New("only NEW tasks can be released")
		}
		return tx.Model(&models.PickTask{}).Where("id = ?", task.ID).
			Update("status", models.PickTaskStatusReady).Error
	})
}

// AssignTask moves a NEW/READY task to ASSIGNED and records the operator.
func AssignTask(db *gorm.DB, ctx context.Context, taskId int, operatorId int) error {
	if operatorId <= 0 {
		return errors.New("operator id is required to assign a task")
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := models.LoadPickTaskForUpdate(tx, ctx, taskId)
		if err != nil {
			return err
		}
		if task.Status != models.PickTaskStatusNew && task.Status != models.PickTaskStatusReady {
			return errors.New("only NEW/READY tasks can be assigned")
		}
		return tx.Model(&models.PickTask{}).Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":      models.PickTaskStatusAssigned,
				"assigned_to": operatorId,
			}).Error
	})
}
