// ledger-consistency-sweep verifies the append-only invariant: for every stock
// slot, the sum of its ledger deltas must equal the slot quantity. It also
// reports slots that have drifted negative.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/ledger-consistency-sweep --scope=PROD
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/shopspring/decimal"
)

type slotCheckRow struct {
	SlotId      int             `json:"slot_id"`
	Scope       string          `json:"scope"`
	WarehouseId int             `json:"warehouse_id"`
	ItemId      int             `json:"item_id"`
	BatchCode   *string         `json:"batch_code"`
	SlotQty     decimal.Decimal `json:"slot_qty"`
	LedgerSum   decimal.Decimal `json:"ledger_sum"`
}

func main() {
	scope := flag.String("scope", "PROD", "Ledger scope to sweep (PROD or DRILL)")
	warehouseId := flag.Int("warehouse-id", 0, "Optional: restrict to one warehouse")
	flag.Parse()

	s := strings.ToUpper(strings.TrimSpace(*scope))
	if s != "PROD" && s != "DRILL" {
		fmt.Fprintln(os.Stderr, "--scope must be PROD or DRILL")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipScopeGuardInContext(ctx, true)

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	sql := `
SELECT
    ss.id AS slot_id,
    ss.scope,
    ss.warehouse_id,
    ss.item_id,
    ss.batch_code,
    ss.qty AS slot_qty,
    COALESCE(led.total, 0) AS ledger_sum
FROM
    stock_slots ss
    LEFT JOIN (
        SELECT
            scope, warehouse_id, item_id, batch_code, SUM(delta) AS total
        FROM stock_ledger_entries
        GROUP BY scope, warehouse_id, item_id, batch_code
    ) AS led
        ON led.scope = ss.scope
        AND led.warehouse_id = ss.warehouse_id
        AND led.item_id = ss.item_id
        AND (led.batch_code <=> ss.batch_code)
WHERE
    ss.scope = ?
`
	args := []interface{}{s}
	if *warehouseId > 0 {
		sql += " AND ss.warehouse_id = ?"
		args = append(args, *warehouseId)
	}

	var rows []slotCheckRow
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "sweep query failed: %v\n", err)
		os.Exit(1)
	}

	var mismatches, negatives int
	for _, row := range rows {
		batch := "NULL"
		if row.BatchCode != nil {
			batch = *row.BatchCode
		}
		if !row.SlotQty.Equal(row.LedgerSum) {
			mismatches++
			fmt.Printf("MISMATCH slot=%d wh=%d item=%d batch=%s slot_qty=%s ledger_sum=%s\n",
				row.SlotId, row.WarehouseId, row.ItemId, batch, row.SlotQty, row.LedgerSum)
		}
		if row.SlotQty.IsNegative() {
			negatives++
			fmt.Printf("NEGATIVE slot=%d wh=%d item=%d batch=%s qty=%s\n",
				row.SlotId, row.WarehouseId, row.ItemId, batch, row.SlotQty)
		}
	}

	fmt.Printf("swept %d slots (scope=%s): %d mismatches, %d negative\n", len(rows), s, mismatches, negatives)
	if mismatches > 0 || negatives > 0 {
		os.Exit(2)
	}
}
