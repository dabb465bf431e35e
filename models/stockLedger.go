package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrInvalidStockReason = errors.New("invalid stock movement reason")

// StockLedgerEntry is one immutable quantity movement. Append-only: rows are
// never updated or deleted. For any slot, the running sum of Delta equals the
// slot's current Qty; the consistency sweep checks this out of band.
type StockLedgerEntry struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Scope       Scope           `gorm:"type:enum('PROD','DRILL');default:PROD;not null;index" json:"scope"`
	WarehouseId int             `gorm:"not null;index:idx_ledger_slot" json:"warehouse_id"`
	ItemId      int             `gorm:"not null;index:idx_ledger_slot" json:"item_id"`
	BatchCode   *string         `gorm:"size:100;index:idx_ledger_slot" json:"batch_code"`
	Delta       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"delta"`
	Reason      StockReason     `gorm:"type:enum('RECEIPT','OUTBOUND_SHIP','ADJUST','RETURN','COUNT');not null;index" json:"reason"`
	Reference   string          `gorm:"size:100;not null;index" json:"reference"`
	RefLine     int             `gorm:"default:0" json:"ref_line"`
	AfterQty    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"after_qty"`
	OccurredAt  time.Time       `gorm:"not null;index" json:"occurred_at"`
	TraceId     string          `gorm:"size:64;index" json:"trace_id"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate enforces the closed reason vocabulary and batch normalization.
func (e *StockLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	_ = tx
	if e == nil {
		return nil
	}
	if !e.Reason.Valid() {
		return ErrInvalidStockReason
	}
	if e.BatchCode != nil && *e.BatchCode == "" {
		e.BatchCode = nil
	}
	if e.Scope == "" {
		e.Scope = ScopeProd
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}
