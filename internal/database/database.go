package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/database/migrations"
	"github.com/ksred/forex-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.Position{},
		&types.Trade{},
		&accounts.TradingAccount{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddTradingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
