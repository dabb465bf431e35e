package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Batch identifies a physical production lot for a shelf-life item.
// Items without shelf life have no batch rows at all; their stock lives in the
// NULL-batch slot instead of behind a synthetic code.
type Batch struct {
	ID             int        `gorm:"primary_key" json:"id"`
	ItemId         int        `gorm:"not null;index:uniq_batch,unique" json:"item_id"`
	WarehouseId    int        `gorm:"not null;index:uniq_batch,unique" json:"warehouse_id"`
	BatchCode      string     `gorm:"size:100;not null;index:uniq_batch,unique" json:"batch_code"`
	ProductionDate *time.Time `json:"production_date"`
	ShelfLifeDays  *int       `json:"shelf_life_days"`
	ExpireAt       *time.Time `gorm:"index" json:"expire_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

var ErrBatchExpiryBeforeProduction = errors.New("expire_at must not be before production_date")

// BeforeSave derives ExpireAt from ProductionDate + ShelfLifeDays when both are
// present and ExpireAt was not supplied, and enforces the hard constraint
// expire_at >= production_date.
func (b *Batch) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if b == nil {
		return nil
	}
	if b.ExpireAt == nil && b.ProductionDate != nil && b.ShelfLifeDays != nil {
		exp := b.ProductionDate.AddDate(0, 0, *b.ShelfLifeDays)
		b.ExpireAt = &exp
	}
	if b.ExpireAt != nil && b.ProductionDate != nil && b.ExpireAt.Before(*b.ProductionDate) {
		return ErrBatchExpiryBeforeProduction
	}
	return nil
}
