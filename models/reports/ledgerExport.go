package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// LedgerExportRow is one ledger entry joined with its warehouse and item names
// for the operations export.
type LedgerExportRow struct {
	ID            int             `json:"id"`
	Scope         string          `json:"scope"`
	WarehouseName *string         `json:"warehouse_name"`
	ItemName      *string         `json:"item_name"`
	BatchCode     *string         `json:"batch_code"`
	Delta         decimal.Decimal `json:"delta"`
	Reason        string          `json:"reason"`
	Reference     string          `json:"reference"`
	AfterQty      decimal.Decimal `json:"after_qty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TraceId       string          `json:"trace_id"`
}

func getLedgerExportRows(ctx context.Context, scope string, warehouseId int, from, to *time.Time) ([]*LedgerExportRow, error) {
	sql := `
SELECT
    sle.id,
    sle.scope,
    warehouses.name AS warehouse_name,
    items.name AS item_name,
    sle.batch_code,
    sle.delta,
    sle.reason,
    sle.reference,
    sle.after_qty,
    sle.occurred_at,
    sle.trace_id
FROM
    stock_ledger_entries AS sle
    LEFT JOIN warehouses ON warehouses.id = sle.warehouse_id
    LEFT JOIN items ON items.id = sle.item_id
WHERE
    sle.scope = ?
`
	args := []interface{}{scope}
	if warehouseId > 0 {
		sql += " AND sle.warehouse_id = ?"
		args = append(args, warehouseId)
	}
	if from != nil {
		sql += " AND sle.occurred_at >= ?"
		args = append(args, *from)
	}
	if to != nil {
		sql += " AND sle.occurred_at < ?"
		args = append(args, *to)
	}
	sql += " ORDER BY sle.id ASC"

	var records []*LedgerExportRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// BuildLedgerExport renders the ledger entries matching the filters into an
// xlsx workbook.
func BuildLedgerExport(ctx context.Context, scope string, warehouseId int, from, to *time.Time) (*excelize.File, error) {
	data, err := getLedgerExportRows(ctx, scope, warehouseId, from, to)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return nil, err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "EntryId")
	f.SetCellValue(sheetName, "B1", "Scope")
	f.SetCellValue(sheetName, "C1", "Warehouse")
	f.SetCellValue(sheetName, "D1", "Item")
	f.SetCellValue(sheetName, "E1", "Batch")
	f.SetCellValue(sheetName, "F1", "Delta")
	f.SetCellValue(sheetName, "G1", "Reason")
	f.SetCellValue(sheetName, "H1", "Reference")
	f.SetCellValue(sheetName, "I1", "AfterQty")
	f.SetCellValue(sheetName, "J1", "OccurredAt")
	f.SetCellValue(sheetName, "K1", "TraceId")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, d.ID)
		f.SetCellValue(sheetName, "B"+row, d.Scope)
		f.SetCellValue(sheetName, "C"+row, derefString(d.WarehouseName))
		f.SetCellValue(sheetName, "D"+row, derefString(d.ItemName))
		f.SetCellValue(sheetName, "E"+row, derefString(d.BatchCode))
		f.SetCellValue(sheetName, "F"+row, d.Delta.String())
		f.SetCellValue(sheetName, "G"+row, d.Reason)
		f.SetCellValue(sheetName, "H"+row, d.Reference)
		f.SetCellValue(sheetName, "I"+row, d.AfterQty.String())
		f.SetCellValue(sheetName, "J"+row, d.OccurredAt.UTC().Format(time.RFC3339))
		f.SetCellValue(sheetName, "K"+row, d.TraceId)
	}
	return f, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
