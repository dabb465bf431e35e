package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PickTask is the operator work unit for one outbound order reference.
// Terminal state DONE is retained for audit; tasks are never deleted.
type PickTask struct {
	ID          int            `gorm:"primary_key" json:"id"`
	Scope       Scope          `gorm:"type:enum('PROD','DRILL');default:PROD;not null;index" json:"scope"`
	WarehouseId int            `gorm:"not null;index" json:"warehouse_id"`
	Reference   string         `gorm:"size:100;not null;index" json:"reference"`
	Platform    string         `gorm:"size:50;not null" json:"platform"`
	ShopId      string         `gorm:"size:64;not null" json:"shop_id"`
	Priority    int            `gorm:"default:0;index" json:"priority"`
	HandoffCode *string        `gorm:"size:64" json:"handoff_code"`
	AssignedTo  *int           `gorm:"index" json:"assigned_to"`
	Status      PickTaskStatus `gorm:"type:enum('NEW','READY','ASSIGNED','PICKING','DONE');default:NEW;not null;index" json:"status"`
	Lines       []PickTaskLine `gorm:"foreignKey:PickTaskId" json:"lines"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// PickTaskLine pairs one (item, batch) expectation with the accumulated picked
// fact. OrderLineId is set for planned lines; a line with ReqQty equal to its
// own scanned qty and OrderLineId = NULL is a temporary fact line created by an
// unplanned scan.
type PickTaskLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	PickTaskId  int             `gorm:"not null;index" json:"pick_task_id"`
	ItemId      int             `gorm:"not null;index" json:"item_id"`
	BatchCode   *string         `gorm:"size:100" json:"batch_code"`
	OrderLineId *int            `json:"order_line_id"`
	ReqQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"req_qty"`
	PickedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"picked_qty"`
	Status      PickLineStatus  `gorm:"type:enum('OPEN','PARTIAL','DONE');default:OPEN;not null" json:"status"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave keeps the batch dimension nullable, never a sentinel string.
func (l *PickTaskLine) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if l == nil {
		return nil
	}
	if l.BatchCode != nil && *l.BatchCode == "" {
		l.BatchCode = nil
	}
	return nil
}

// RecomputeStatus derives the line status from picked vs required quantity.
func (l *PickTaskLine) RecomputeStatus() {
	switch {
	case l.PickedQty.Sign() <= 0:
		l.Status = PickLineStatusOpen
	case l.PickedQty.Cmp(l.ReqQty) < 0:
		l.Status = PickLineStatusPartial
	default:
		l.Status = PickLineStatusDone
	}
}

// LoadPickTaskForUpdate loads the task row under a row lock together with its
// lines. All scan/commit writes to a task happen under this lock.
func LoadPickTaskForUpdate(tx *gorm.DB, ctx context.Context, taskId int) (*PickTask, error) {
	var task PickTask
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", taskId).
		First(&task).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Where("pick_task_id = ?", taskId).
		Order("id ASC").
		Find(&task.Lines).Error; err != nil {
		return nil, err
	}
	return &task, nil
}
