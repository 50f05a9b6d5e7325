package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"coin-rotation-bot/internal/config"
	"coin-rotation-bot/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.Database.DSN
	if !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	if err := AutoMigrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Open connects to dsn without touching the schema or the coins table.
// Read-only consumers use it next to a running trader.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every connection to an in-memory sqlite database sees its own copy.
	if strings.Contains(dsn, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate creates missing tables and syncs the coins table with the config.
// Existing rows are kept: the holding history and the ledger must survive restarts.
func AutoMigrate(db *gorm.DB, cfg *config.Config) error {
	if err := db.AutoMigrate(
		&models.Coin{},
		&models.Pair{},
		&models.CurrentCoin{},
		&models.Trade{},
		&models.LedgerEntry{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return SyncCoins(db, cfg.Trading.SupportedCoins)
}

// SyncCoins enables every supported coin and disables the ones that were
// dropped from the config.
func SyncCoins(db *gorm.DB, supported []string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Coin{}).
			Where("symbol NOT IN ?", supported).
			Update("enabled", false).Error; err != nil {
			return fmt.Errorf("failed to disable removed coins: %w", err)
		}

		for _, symbol := range supported {
			coin := models.Coin{Symbol: symbol}
			if err := tx.Where(models.Coin{Symbol: symbol}).FirstOrCreate(&coin).Error; err != nil {
				return fmt.Errorf("failed to populate coin '%s': %w", symbol, err)
			}
			if !coin.Enabled {
				if err := tx.Model(&coin).Update("enabled", true).Error; err != nil {
					return fmt.Errorf("failed to enable coin '%s': %w", symbol, err)
				}
			}
		}
		return nil
	})
}
