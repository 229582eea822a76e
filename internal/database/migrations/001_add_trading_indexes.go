package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/types"
)

// AddTradingIndexes backfills lookup indexes used by the quote fan-out
// path, which queries positions by symbol on every tick.
func AddTradingIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Position{}); err != nil {
		return err
	}

	migrator := db.Migrator()

	if !migrator.HasIndex(&types.Position{}, "idx_positions_symbol") {
		if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)").Error; err != nil {
			return err
		}
	}

	if !migrator.HasIndex(&types.Order{}, "idx_orders_status") {
		if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)").Error; err != nil {
			return err
		}
	}

	return nil
}
