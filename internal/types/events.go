package types

import "time"

// Event kinds pushed to subscribed consumers.
const (
	EventPriceUpdate   = "price_update"
	EventOrderUpdate   = "order_update"
	EventAccountUpdate = "account_update"
	EventAlert         = "alert"
)

// Alert kinds
const (
	AlertMarginCall  = "margin_call"
	AlertLiquidation = "auto_liquidation"
)

// Event is a single notification on the broadcast stream. Symbol is set
// for price updates, AccountID for everything else; subscribers are
// matched on whichever applies.
type Event struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	AccountID string      `json:"account_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type PriceUpdateData struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

type OrderUpdateData struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"`
	ExecutedPrice float64 `json:"executed_price,omitempty"`
}

type AlertData struct {
	Kind        string  `json:"kind"`
	MarginLevel float64 `json:"margin_level"`
	Message     string  `json:"message"`
}

// NewPriceUpdate builds a price_update event from a quote.
func NewPriceUpdate(q Quote) Event {
	return Event{
		Type:      EventPriceUpdate,
		Symbol:    q.Symbol,
		Timestamp: q.Timestamp,
		Data:      PriceUpdateData{Bid: q.Bid, Ask: q.Ask},
	}
}

// NewOrderUpdate builds an order_update event for an order transition.
func NewOrderUpdate(o *Order) Event {
	return Event{
		Type:      EventOrderUpdate,
		AccountID: o.AccountID,
		Timestamp: time.Now(),
		Data: OrderUpdateData{
			OrderID:       o.OrderID,
			Status:        o.Status,
			ExecutedPrice: o.ExecutedPrice,
		},
	}
}

// NewAccountUpdate builds an account_update event carrying fresh metrics.
func NewAccountUpdate(accountID string, m AccountMetrics) Event {
	return Event{
		Type:      EventAccountUpdate,
		AccountID: accountID,
		Timestamp: time.Now(),
		Data:      m,
	}
}

// NewAlert builds a margin-call or liquidation alert event.
func NewAlert(accountID, kind string, marginLevel float64, message string) Event {
	return Event{
		Type:      EventAlert,
		AccountID: accountID,
		Timestamp: time.Now(),
		Data: AlertData{
			Kind:        kind,
			MarginLevel: marginLevel,
			Message:     message,
		},
	}
}
