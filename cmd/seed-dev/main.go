// seed-dev bootstraps a local environment: runs migrations, creates the admin
// operator, a warehouse, a couple of items (one shelf-life tracked) and opening
// stock posted through the ledger so slots and ledger agree from day one.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/wms_backend/config"
	"github.com/mmdatafocus/wms_backend/models"
	"github.com/mmdatafocus/wms_backend/utils"
	"github.com/mmdatafocus/wms_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	adminUsername = "wmsAdmin"
	adminPassword = "Wm$Admin"
	adminName     = "WMS Admin"
)

func main() {
	ctx := context.Background()
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipScopeGuardInContext(ctx, true)

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()
	logger := config.GetLogger()

	if err := seedAdmin(db, ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin operator: %v\n", err)
		os.Exit(1)
	}

	warehouse := models.Warehouse{Name: "Main DC", Code: "MAIN", IsActive: utils.NewTrue()}
	if err := firstOrCreate(db, ctx, &warehouse, "code = ?", warehouse.Code); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed warehouse: %v\n", err)
		os.Exit(1)
	}

	dryGoods := models.Item{Name: "Rice Bag 5kg", Sku: "RICE-5KG", HasShelfLife: utils.NewFalse()}
	if err := firstOrCreate(db, ctx, &dryGoods, "sku = ?", dryGoods.Sku); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed item: %v\n", err)
		os.Exit(1)
	}
	perishable := models.Item{Name: "Fresh Milk 1L", Sku: "MILK-1L", HasShelfLife: utils.NewTrue()}
	if err := firstOrCreate(db, ctx, &perishable, "sku = ?", perishable.Sku); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed item: %v\n", err)
		os.Exit(1)
	}

	// Two batches with staggered expiry so FEFO recommendations are non-trivial.
	prodDate := time.Now().UTC().AddDate(0, 0, -3)
	for i, code := range []string{"MILK-B1", "MILK-B2"} {
		shelfLife := 7 + i*7
		batch := models.Batch{
			ItemId:         perishable.ID,
			WarehouseId:    warehouse.ID,
			BatchCode:      code,
			ProductionDate: &prodDate,
			ShelfLifeDays:  &shelfLife,
		}
		if err := firstOrCreate(db, ctx, &batch, "item_id = ? AND warehouse_id = ? AND batch_code = ?", perishable.ID, warehouse.ID, code); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed batch %s: %v\n", code, err)
			os.Exit(1)
		}
	}

	// Opening stock goes through the posting path, never raw slot writes.
	openings := []struct {
		itemId int
		batch  *string
		qty    decimal.Decimal
	}{
		{dryGoods.ID, nil, decimal.NewFromInt(500)},
		{perishable.ID, strPtr("MILK-B1"), decimal.NewFromInt(120)},
		{perishable.ID, strPtr("MILK-B2"), decimal.NewFromInt(200)},
	}
	for _, o := range openings {
		slot := workflow.SlotRef{
			Scope:       models.ScopeProd,
			WarehouseId: warehouse.ID,
			ItemId:      o.itemId,
			BatchCode:   o.batch,
		}
		var exists int64
		q := db.WithContext(ctx).Model(&models.StockLedgerEntry{}).
			Where("scope = ? AND warehouse_id = ? AND item_id = ? AND reference = ?", models.ScopeProd, warehouse.ID, o.itemId, "SEED-OPENING")
		if o.batch == nil {
			q = q.Where("batch_code IS NULL")
		} else {
			q = q.Where("batch_code = ?", *o.batch)
		}
		if err := q.Count(&exists).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to check opening stock: %v\n", err)
			os.Exit(1)
		}
		if exists > 0 {
			continue
		}
		if _, err := workflow.PostMovementWithRetry(db, ctx, logger, slot, o.qty, models.StockReasonReceipt, "SEED-OPENING", 0, "seed-dev"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to post opening stock: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("seeded warehouse=%d items=[%d %d] admin=%s\n", warehouse.ID, dryGoods.ID, perishable.ID, adminUsername)
}

func seedAdmin(db *gorm.DB, ctx context.Context) error {
	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		return err
	}
	var existing models.Operator
	err = db.WithContext(ctx).Where("username = ?", adminUsername).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.WithContext(ctx).Create(&models.Operator{
			Username: adminUsername,
			Password: string(hashed),
			Name:     adminName,
			Role:     models.OperatorRoleAdmin,
			IsActive: utils.NewTrue(),
		}).Error
	}
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"password":  string(hashed),
		"role":      models.OperatorRoleAdmin,
		"is_active": true,
	}).Error
}

func firstOrCreate(db *gorm.DB, ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return db.WithContext(ctx).Where(query, args...).FirstOrCreate(dest).Error
}

func strPtr(s string) *string { return &s }
