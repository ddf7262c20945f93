package models

import (
	"log"

	"github.com/psicosafe/laudos_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	db := config.GetDB()
	if err := AutoMigrateAll(db); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&Company{}, &Employee{}, &User{},
		&Batch{}, &Evaluation{}, &Answer{}, &Result{},
		&Report{}, &EmissionQueueEntry{},
		&AuditRecord{},
		&IdempotencyKey{},
	)
}
