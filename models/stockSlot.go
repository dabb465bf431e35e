package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockSlot is the mutable quantity record per (scope, warehouse, item,
// batch-or-NULL). Created lazily on first movement, mutated in place, never
// deleted. Only the outbound commit engine and the ledger-posting primitive
// write to it.
//
// Qty must not go negative as the result of any single commit-path deduction;
// historical or manually adjusted rows may still sit below zero until the
// consistency sweep reconciles them (see cmd/ledger-consistency-sweep).
type StockSlot struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Scope       Scope           `gorm:"type:enum('PROD','DRILL');default:PROD;not null;index:uniq_slot,unique" json:"scope"`
	WarehouseId int             `gorm:"not null;index:uniq_slot,unique" json:"warehouse_id"`
	ItemId      int             `gorm:"not null;index:uniq_slot,unique" json:"item_id"`
	BatchCode   *string         `gorm:"size:100;index:uniq_slot,unique" json:"batch_code"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave normalizes the batch dimension: an empty or sentinel batch code
// is stored as NULL, never as "".
func (s *StockSlot) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if s == nil {
		return nil
	}
	if s.BatchCode != nil && *s.BatchCode == "" {
		s.BatchCode = nil
	}
	if s.Scope == "" {
		s.Scope = ScopeProd
	}
	return nil
}
