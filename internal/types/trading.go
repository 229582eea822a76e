package types

import (
	"time"

	"gorm.io/gorm"
)

// Order types
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
	OrderTypeStop   = "stop"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses. Market orders go straight from creation to filled;
// limit/stop orders wait in pending until their trigger price is reached.
// closed, cancelled and rejected are terminal.
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusClosed    = "closed"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Close reasons recorded on trades
const (
	CloseReasonManual      = "manual"
	CloseReasonStopLoss    = "stop_loss"
	CloseReasonTakeProfit  = "take_profit"
	CloseReasonLiquidation = "margin_liquidation"
)

type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string     `gorm:"uniqueIndex" json:"order_id"`
	AccountID       string     `gorm:"index" json:"account_id"`
	Symbol          string     `gorm:"index" json:"symbol"`
	OrderType       string     `json:"order_type"`      // market, limit, stop
	Side            string     `json:"side"`            // buy or sell
	Quantity        float64    `json:"quantity"`        // lot size (e.g. 0.01, 0.1, 1.0)
	Price           float64    `json:"price,omitempty"` // trigger price for limit/stop orders
	StopLoss        *float64   `json:"stop_loss,omitempty"`
	TakeProfit      *float64   `json:"take_profit,omitempty"`
	Status          string     `gorm:"index" json:"status"`
	ExecutedPrice   float64    `json:"executed_price,omitempty"`
	FilledQuantity  float64    `json:"filled_quantity"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// Position is an open trade. Exactly one position exists per filled order
// until it is closed, at which point it is replaced by a Trade record.
type Position struct {
	gorm.Model `json:"-"`
	PositionID string    `gorm:"uniqueIndex" json:"position_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	AccountID  string    `gorm:"index" json:"account_id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Side       string    `json:"side"`
	Volume     float64   `json:"volume"` // lots
	EntryPrice float64   `json:"entry_price"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Margin     float64   `json:"margin"` // margin reserved at entry, account currency
	OpenedAt   time.Time `json:"opened_at"`
}

// Trade is a closed position record. Append-only.
type Trade struct {
	gorm.Model     `json:"-"`
	TradeID        string    `gorm:"uniqueIndex" json:"trade_id"`
	PositionID     string    `gorm:"index" json:"position_id"`
	OrderID        string    `json:"order_id"`
	AccountID      string    `gorm:"index" json:"account_id"`
	Symbol         string    `gorm:"index" json:"symbol"`
	Side           string    `json:"side"`
	Volume         float64   `json:"volume"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	StopLoss       *float64  `json:"stop_loss,omitempty"`
	TakeProfit     *float64  `json:"take_profit,omitempty"`
	ProfitLoss     float64   `json:"profit_loss"` // account currency
	ProfitLossPips float64   `json:"profit_loss_pips"`
	Commission     float64   `json:"commission"`
	Swap           float64   `json:"swap"`
	CloseReason    string    `json:"close_reason"` // manual, stop_loss, take_profit, margin_liquidation
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `json:"closed_at"`
}

// Quote is the latest bid/ask for a symbol. Quotes are never persisted;
// only the latest value per symbol is cached by the price feed.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint between bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// AccountMetrics are the derived account figures. They are never stored:
// everything here is a pure function of balance, open positions and the
// latest quotes, recomputed on every read.
type AccountMetrics struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginUsed  float64 `json:"margin_used"`
	MarginFree  float64 `json:"margin_free"`
	MarginLevel float64 `json:"margin_level"` // percentage; 0 when no margin is in use
	FloatingPnL float64 `json:"floating_pnl"`
}
