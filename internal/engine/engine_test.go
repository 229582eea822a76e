package engine

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/risk"
	"github.com/ksred/forex-api/internal/types"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (n *captureNotifier) Publish(e types.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *captureNotifier) ofType(eventType string) []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []types.Event
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type engineFixture struct {
	db       *gorm.DB
	store    *accounts.Store
	ledger   *ledger.Ledger
	feed     *market.SimulatedFeed
	notifier *captureNotifier
	engine   *Engine
	acct     *accounts.TradingAccount
}

func newEngineFixture(t *testing.T, balance float64) *engineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{}, &types.Position{}, &types.Trade{}, &accounts.TradingAccount{},
	))

	store := accounts.NewStore(db)
	l := ledger.NewLedger(db)
	feed := market.NewSimulatedFeed()
	notifier := &captureNotifier{}

	riskManager := risk.NewManager(risk.Config{
		MarginCallLevel:  50,
		LiquidationLevel: 20,
	}, store, l, feed, notifier)

	eng := NewEngine(db, l, store, feed, riskManager, notifier, Limits{
		MinLotSize:       0.01,
		MaxLotSize:       100,
		MaxOpenPositions: 50,
		StaleQuoteMaxAge: 5 * time.Second,
	})

	// Wire the feed the way the server does: every push drives
	// triggering, stop-outs and margin enforcement
	feed.Subscribe(eng.OnQuote)

	acct, err := store.CreateAccount("client-1", "USD", 100, balance)
	require.NoError(t, err)

	return &engineFixture{
		db: db, store: store, ledger: l,
		feed: feed, notifier: notifier,
		engine: eng, acct: acct,
	}
}

func (f *engineFixture) push(symbol string, bid, ask float64) {
	f.feed.Push(types.Quote{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now()})
}

func (f *engineFixture) balance(t *testing.T) float64 {
	t.Helper()
	acct, err := f.store.GetAccount(f.acct.AccountID)
	require.NoError(t, err)
	require.NotNil(t, acct)
	return acct.Balance
}

func marketOrder(accountID, symbol, side string, qty float64) PlaceOrderRequest {
	return PlaceOrderRequest{
		AccountID: accountID,
		Symbol:    symbol,
		OrderType: types.OrderTypeMarket,
		Side:      side,
		Quantity:  qty,
	}
}

func TestMarketBuyFillsAtAsk(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.InDelta(t, 1.0852, order.ExecutedPrice, 1e-9)
	assert.Equal(t, order.Quantity, order.FilledQuantity)
	require.NotNil(t, order.FilledAt)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 1.0852, positions[0].EntryPrice, 1e-9)
	assert.InDelta(t, 108.52, positions[0].Margin, 1e-9)

	// Opening a position never touches the balance
	assert.InDelta(t, 10000.0, f.balance(t), 1e-9)
}

func TestMarketSellFillsAtBid(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideSell, 0.1))
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.InDelta(t, 1.0850, order.ExecutedPrice, 1e-9)
}

func TestInsufficientMarginLeavesStateUnchanged(t *testing.T) {
	f := newEngineFixture(t, 1000)
	f.push("EURUSD", 1.0850, 1.0852)

	// 10 lots need ~10852 of margin against a 1000 balance
	_, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInsufficientMargin)

	orders, err := f.engine.db.OrdersForAccount(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, orders)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	assert.InDelta(t, 1000.0, f.balance(t), 1e-9)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"unknown symbol", marketOrder(f.acct.AccountID, "XXXYYY", types.SideBuy, 0.1)},
		{"bad side", PlaceOrderRequest{AccountID: f.acct.AccountID, Symbol: "EURUSD", OrderType: types.OrderTypeMarket, Side: "long", Quantity: 0.1}},
		{"bad order type", PlaceOrderRequest{AccountID: f.acct.AccountID, Symbol: "EURUSD", OrderType: "iceberg", Side: types.SideBuy, Quantity: 0.1}},
		{"quantity below minimum", marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.001)},
		{"quantity above maximum", marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 500)},
		{"limit without price", PlaceOrderRequest{AccountID: f.acct.AccountID, Symbol: "EURUSD", OrderType: types.OrderTypeLimit, Side: types.SideBuy, Quantity: 0.1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.PlaceOrder(tc.req)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestStaleQuoteRejectsPlacement(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.feed.Push(types.Quote{
		Symbol:    "EURUSD",
		Bid:       1.0850,
		Ask:       1.0852,
		Timestamp: time.Now().Add(-time.Minute),
	})

	_, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	assert.ErrorIs(t, err, types.ErrStaleQuote)
}

func TestStaleQuoteRejectsManualClose(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	position, err := f.ledger.GetPositionByOrderID(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, position)

	// The feed goes quiet and the cached quote ages out
	f.feed.Push(types.Quote{
		Symbol:    "EURUSD",
		Bid:       1.0700,
		Ask:       1.0702,
		Timestamp: time.Now().Add(-time.Hour),
	})

	_, err = f.engine.ClosePosition(position.PositionID, types.CloseReasonManual)
	assert.ErrorIs(t, err, types.ErrStaleQuote)

	// Nothing was realized against the old price
	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.InDelta(t, 10000.0, f.balance(t), 1e-9)

	// A fresh quote lets the close through
	f.push("EURUSD", 1.0700, 1.0702)
	trade, err := f.engine.ClosePosition(position.PositionID, types.CloseReasonManual)
	require.NoError(t, err)
	assert.InDelta(t, -152.0, trade.ProfitLoss, 1e-6)
}

func TestLimitOrderTriggersOnPrice(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0800

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, order.Status)

	// Price above the trigger: nothing happens
	f.push("EURUSD", 1.0820, 1.0822)
	pending, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, pending.Status)

	// Ask reaches the limit: fills at the ask
	f.push("EURUSD", 1.0798, 1.0800)
	filled, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
	assert.InDelta(t, 1.0800, filled.ExecutedPrice, 1e-9)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 1.0800, positions[0].EntryPrice, 1e-9)
}

func TestStopOrderTriggersOnBreakout(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeStop
	req.Price = 1.0900

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, order.Status)

	f.push("EURUSD", 1.0899, 1.0901)
	filled, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
}

func TestTriggerSideValidation(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	// A buy limit must sit below the ask
	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0900
	_, err := f.engine.PlaceOrder(req)
	assert.ErrorIs(t, err, types.ErrValidation)

	// A sell stop must sit below the bid
	req.Side = types.SideSell
	req.OrderType = types.OrderTypeStop
	req.Price = 1.0900
	_, err = f.engine.PlaceOrder(req)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCancelledOrderNeverTriggers(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0800

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	cancelled, err := f.engine.CancelOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	// The trigger price arriving afterwards is a no-op
	f.push("EURUSD", 1.0798, 1.0800)

	reloaded, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, reloaded.Status)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCancelNonPendingOrderFails(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(order.OrderID)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestModifyPendingOrder(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0800

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	newPrice := 1.0820
	sl := 1.0750
	updated, err := f.engine.ModifyOrder(order.OrderID, ModifyOrderRequest{
		Price:    &newPrice,
		StopLoss: &sl,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0820, updated.Price, 1e-9)
	require.NotNil(t, updated.StopLoss)
	assert.InDelta(t, 1.0750, *updated.StopLoss, 1e-9)

	// The new trigger price is validated against the market
	badPrice := 1.0900
	_, err = f.engine.ModifyOrder(order.OrderID, ModifyOrderRequest{Price: &badPrice})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestModifyFilledOrderUpdatesPosition(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	sl, tp := 1.0800, 1.0950
	_, err = f.engine.ModifyOrder(order.OrderID, ModifyOrderRequest{StopLoss: &sl, TakeProfit: &tp})
	require.NoError(t, err)

	position, err := f.ledger.GetPositionByOrderID(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, position)
	require.NotNil(t, position.StopLoss)
	assert.InDelta(t, 1.0800, *position.StopLoss, 1e-9)
	require.NotNil(t, position.TakeProfit)
	assert.InDelta(t, 1.0950, *position.TakeProfit, 1e-9)

	// Price cannot change once filled
	price := 1.0800
	_, err = f.engine.ModifyOrder(order.OrderID, ModifyOrderRequest{Price: &price})
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestStopLossClosesPosition(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	sl := 1.0800
	req.StopLoss = &sl

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	// Bid drops through the stop
	f.push("EURUSD", 1.0795, 1.0797)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := f.ledger.TradesForAccount(f.acct.AccountID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.CloseReasonStopLoss, trades[0].CloseReason)
	assert.InDelta(t, 1.0795, trades[0].ExitPrice, 1e-9)

	// (1.0795 - 1.0852) x 100000 x 0.1 = -57.00 realized
	assert.InDelta(t, -57.0, trades[0].ProfitLoss, 1e-6)
	assert.InDelta(t, 9943.0, f.balance(t), 1e-6)

	closed, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, closed.Status)
}

func TestTakeProfitClosesPosition(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	tp := 1.0900
	req.TakeProfit = &tp

	_, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	f.push("EURUSD", 1.0902, 1.0904)

	trades, err := f.ledger.TradesForAccount(f.acct.AccountID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.CloseReasonTakeProfit, trades[0].CloseReason)
	assert.Greater(t, trades[0].ProfitLoss, 0.0)
}

func TestManualCloseRealizesPnL(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	order, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	position, err := f.ledger.GetPositionByOrderID(order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, position)

	f.push("EURUSD", 1.0880, 1.0882)

	trade, err := f.engine.ClosePosition(position.PositionID, types.CloseReasonManual)
	require.NoError(t, err)

	// (1.0880 - 1.0852) x 100000 x 0.1 = 28.00
	assert.InDelta(t, 28.0, trade.ProfitLoss, 1e-6)
	assert.InDelta(t, 10028.0, f.balance(t), 1e-6)
	assert.Equal(t, types.CloseReasonManual, trade.CloseReason)

	// The position is gone; a second close cannot find it
	_, err = f.engine.ClosePosition(position.PositionID, types.CloseReasonManual)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTriggeredOrderRejectedWhenMarginGone(t *testing.T) {
	f := newEngineFixture(t, 1000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.5)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0800

	// Fits at placement: 0.5 lots at 1.08 reserve 540 of 1000
	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	// Margin disappears before the trigger fires
	require.NoError(t, f.store.AdjustBalance(f.acct.AccountID, -900))

	f.push("EURUSD", 1.0798, 1.0800)

	rejected, err := f.engine.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, rejected.Status)
	assert.NotEmpty(t, rejected.RejectionReason)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPendingOrdersSurviveRestart(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	req := marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1)
	req.OrderType = types.OrderTypeLimit
	req.Price = 1.0800

	order, err := f.engine.PlaceOrder(req)
	require.NoError(t, err)

	// A second engine on the same database stands in for a restart
	notifier := &captureNotifier{}
	riskManager := risk.NewManager(risk.Config{MarginCallLevel: 50, LiquidationLevel: 20},
		f.store, f.ledger, f.feed, notifier)
	restarted := NewEngine(f.db, f.ledger, f.store, f.feed, riskManager, notifier, Limits{
		MinLotSize:       0.01,
		MaxLotSize:       100,
		MaxOpenPositions: 50,
		StaleQuoteMaxAge: 5 * time.Second,
	})
	require.NoError(t, restarted.LoadPendingOrders())

	restarted.OnQuote(types.Quote{Symbol: "EURUSD", Bid: 1.0798, Ask: 1.0800, Timestamp: time.Now()})

	filled, err := restarted.db.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
}

func TestLiquidationThroughQuoteFlow(t *testing.T) {
	f := newEngineFixture(t, 1100)
	f.push("EURUSD", 1.0000, 1.0002)

	// 1 lot reserves ~1000 against an 1100 balance
	_, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 1.0))
	require.NoError(t, err)

	// 90 pips against: equity ~198, level under 20%
	f.push("EURUSD", 0.9910, 0.9912)

	positions, err := f.ledger.OpenPositions(f.acct.AccountID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := f.ledger.TradesForAccount(f.acct.AccountID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.CloseReasonLiquidation, trades[0].CloseReason)

	alerts := f.notifier.ofType(types.EventAlert)
	require.NotEmpty(t, alerts)
}

func TestOrderEventsPublished(t *testing.T) {
	f := newEngineFixture(t, 10000)
	f.push("EURUSD", 1.0850, 1.0852)

	_, err := f.engine.PlaceOrder(marketOrder(f.acct.AccountID, "EURUSD", types.SideBuy, 0.1))
	require.NoError(t, err)

	orderEvents := f.notifier.ofType(types.EventOrderUpdate)
	require.NotEmpty(t, orderEvents)

	accountEvents := f.notifier.ofType(types.EventAccountUpdate)
	require.NotEmpty(t, accountEvents)
	metrics, ok := accountEvents[len(accountEvents)-1].Data.(types.AccountMetrics)
	require.True(t, ok)
	assert.InDelta(t, 10000.0, metrics.Balance, 1e-9)
}
