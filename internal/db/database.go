package db

import (
	"fmt"
	"log"

	"escrowd/internal/config"
	"escrowd/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB connects to Postgres and migrates the schema. Fatal on failure:
// nothing in this service can run without the database.
func InitDB() {
	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	var err error
	DB, err = gorm.Open(postgres.Open(config.AppConfig.Database.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	log.Println("✅ Database connected successfully")

	if err := Migrate(DB); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}
	log.Println("✅ Database schema migrated successfully")
}

// Migrate runs the schema migration for every persisted entity.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&models.Wallet{},
		&models.Order{},
		&models.EscrowTxLog{},
		&models.BurnRecord{},
		&models.BankDetail{},
		&models.Payout{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	// Partial unique index: at most one default bank detail per user among
	// active records. GORM tags cannot express the WHERE clause.
	if gdb.Dialector.Name() == "postgres" {
		if err := gdb.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_bank_details_one_default
			ON bank_details (user_id)
			WHERE is_default = true AND is_active = true
		`).Error; err != nil {
			return fmt.Errorf("create default bank detail index: %w", err)
		}
	}

	return nil
}

// WithAdvisoryLock runs fn inside a transaction holding a Postgres advisory
// lock keyed on the given id. Two concurrent transitions on the same key are
// serialized; different keys run in parallel. On non-Postgres dialects
// (tests) the lock degrades to a plain transaction.
func WithAdvisoryLock(gdb *gorm.DB, key string, fn func(tx *gorm.DB) error) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
				return fmt.Errorf("acquire advisory lock %q: %w", key, err)
			}
		}
		return fn(tx)
	})
}
