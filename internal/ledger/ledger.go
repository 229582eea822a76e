package ledger

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/types"
)

// Ledger holds open positions and the append-only record of closed trades.
// Only the order engine creates or removes positions and appends trades;
// every other component reads.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) CreatePosition(p *types.Position) error {
	return l.db.Create(p).Error
}

// GetPosition returns nil without an error when the position is unknown.
func (l *Ledger) GetPosition(positionID string) (*types.Position, error) {
	var p types.Position
	if err := l.db.Where("position_id = ?", positionID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetPositionByOrderID finds the open position created by a filled order.
func (l *Ledger) GetPositionByOrderID(orderID string) (*types.Position, error) {
	var p types.Position
	if err := l.db.Where("order_id = ?", orderID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (l *Ledger) OpenPositions(accountID string) ([]types.Position, error) {
	var positions []types.Position
	if err := l.db.Where("account_id = ?", accountID).Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (l *Ledger) OpenPositionsBySymbol(accountID, symbol string) ([]types.Position, error) {
	var positions []types.Position
	err := l.db.Where("account_id = ? AND symbol = ?", accountID, symbol).Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// AccountsWithPositions returns the distinct accounts holding open
// positions in a symbol, for quote fan-out.
func (l *Ledger) AccountsWithPositions(symbol string) ([]string, error) {
	var accountIDs []string
	err := l.db.Model(&types.Position{}).
		Where("symbol = ?", symbol).
		Distinct("account_id").
		Pluck("account_id", &accountIDs).Error
	if err != nil {
		return nil, err
	}
	return accountIDs, nil
}

func (l *Ledger) UpdatePosition(p *types.Position) error {
	return l.db.Save(p).Error
}

// ReplaceWithTrade removes an open position and appends its trade record
// on the given transaction, preserving the positions/trades disjointness:
// no id ever exists in both sets.
func ReplaceWithTrade(tx *gorm.DB, p *types.Position, t *types.Trade) error {
	if err := tx.Unscoped().Delete(p).Error; err != nil {
		return err
	}
	return tx.Create(t).Error
}

func (l *Ledger) TradesForAccount(accountID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := l.db.Where("account_id = ?", accountID).Order("closed_at DESC").Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// FloatingPnL marks a position to the current quote. Longs exit on bid,
// shorts on ask.
func FloatingPnL(p types.Position, q types.Quote) float64 {
	meta, ok := market.Lookup(p.Symbol)
	if !ok {
		return 0
	}

	var diff float64
	if p.Side == types.SideBuy {
		diff = q.Bid - p.EntryPrice
	} else {
		diff = p.EntryPrice - q.Ask
	}
	return diff * meta.ContractSize * p.Volume
}

// RealizedPnL computes the profit of closing a position at exitPrice,
// in account currency and in pips.
func RealizedPnL(p types.Position, exitPrice float64) (pnl, pips float64) {
	meta, ok := market.Lookup(p.Symbol)
	if !ok {
		return 0, 0
	}

	var diff float64
	if p.Side == types.SideBuy {
		diff = exitPrice - p.EntryPrice
	} else {
		diff = p.EntryPrice - exitPrice
	}
	return diff * meta.ContractSize * p.Volume, diff / meta.PipSize
}

// RequiredMargin is the capital reserved against a position:
// lots x contract size x price / leverage.
func RequiredMargin(symbol string, volume, price float64, leverage int) float64 {
	meta, ok := market.Lookup(symbol)
	if !ok || leverage < 1 {
		return 0
	}
	return volume * meta.ContractSize * price / float64(leverage)
}
