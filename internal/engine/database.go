package engine

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) OrdersForAccount(accountID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("account_id = ?", accountID).Order("created_at DESC").Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) PendingOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ?", types.OrderStatusPending).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// FillOrder persists an order fill and its new position in one
// transaction, keeping the filled-order-has-a-position invariant.
func (d *Database) FillOrder(order *types.Order, position *types.Position) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if order.ID == 0 {
			if err := tx.Create(order).Error; err != nil {
				return err
			}
		} else if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Create(position).Error
	})
}

// SettleClose atomically replaces a position with its trade record,
// transitions the originating order to closed, and realizes the PnL into
// the account balance.
func (d *Database) SettleClose(order *types.Order, position *types.Position, trade *types.Trade, pnl float64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := ledger.ReplaceWithTrade(tx, position, trade); err != nil {
			return err
		}
		if err := tx.Save(order).Error; err != nil {
			return err
		}
		return tx.Model(&accounts.TradingAccount{}).
			Where("account_id = ?", position.AccountID).
			Update("balance", gorm.Expr("balance + ?", pnl)).Error
	})
}
