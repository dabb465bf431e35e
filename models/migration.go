package models

import (
	"log"

	"github.com/mmdatafocus/wms_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Warehouse{},
		&Item{},
		&Operator{},
		&Batch{},
		&StockSlot{},
		&StockLedgerEntry{},
		&ShipCertificate{},
		&PickTask{},
		&PickTaskLine{},
		&AuditEventRecord{},
	)
	if err != nil {
		log.Printf("migration failed: %v", err)
		return
	}
	log.Println("migration completed")
}
