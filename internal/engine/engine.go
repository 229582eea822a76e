package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/risk"
	"github.com/ksred/forex-api/internal/types"
)

// Notifier publishes events without blocking the engine.
type Notifier interface {
	Publish(e types.Event)
}

// Limits are the engine-side trading constraints.
type Limits struct {
	MinLotSize       float64
	MaxLotSize       float64
	MaxOpenPositions int
	StaleQuoteMaxAge time.Duration
}

// Engine validates, executes and transitions orders through their
// lifecycle, and is the only writer of positions and trades.
//
// Every mutating entry point serializes on a per-account lock: order
// placement, pending-order triggering, position close and margin policy
// enforcement for one account never interleave. Operations on different
// accounts run in parallel.
type Engine struct {
	db       *Database
	ledger   *ledger.Ledger
	accounts *accounts.Store
	quotes   market.Source
	risk     *risk.Manager
	notifier Notifier
	limits   Limits

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	haltedMu sync.RWMutex
	halted   map[string]bool

	watch *watchList
}

func NewEngine(
	gormDB *gorm.DB,
	l *ledger.Ledger,
	store *accounts.Store,
	quotes market.Source,
	riskManager *risk.Manager,
	notifier Notifier,
	limits Limits,
) *Engine {
	return &Engine{
		db:       NewDatabase(gormDB),
		ledger:   l,
		accounts: store,
		quotes:   quotes,
		risk:     riskManager,
		notifier: notifier,
		limits:   limits,
		locks:    make(map[string]*sync.Mutex),
		halted:   make(map[string]bool),
		watch:    newWatchList(),
	}
}

// PlaceOrderRequest is the order placement payload.
type PlaceOrderRequest struct {
	AccountID  string   `json:"account_id" binding:"required"`
	Symbol     string   `json:"symbol" binding:"required"`
	OrderType  string   `json:"order_type" binding:"required"`
	Side       string   `json:"side" binding:"required"`
	Quantity   float64  `json:"quantity" binding:"required"`
	Price      float64  `json:"price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// ModifyOrderRequest carries the mutable order fields. Price applies only
// while the order is pending; stop loss and take profit also apply to the
// open position behind a filled order.
type ModifyOrderRequest struct {
	Price      *float64 `json:"price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// PlaceOrder validates and executes an order request. Market orders fill
// immediately at the current quote; limit/stop orders are stored pending
// and triggered by the price feed. A failed margin or validation check
// leaves balance and positions untouched.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) (*types.Order, error) {
	if err := e.validateRequest(&req); err != nil {
		return nil, err
	}

	acct, err := e.accounts.GetAccount(req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", req.AccountID, types.ErrNotFound)
	}

	lock := e.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(req.AccountID) {
		return nil, types.ErrAccountHalted
	}

	positions, err := e.ledger.OpenPositions(req.AccountID)
	if err != nil {
		return nil, err
	}
	if len(positions) >= e.limits.MaxOpenPositions {
		return nil, fmt.Errorf("open position limit %d reached: %w", e.limits.MaxOpenPositions, types.ErrValidation)
	}

	q, err := e.quotes.LatestQuote(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("no price available for %s: %w", req.Symbol, types.ErrValidation)
	}
	if age := time.Since(q.Timestamp); age > e.limits.StaleQuoteMaxAge {
		return nil, fmt.Errorf("quote for %s is %s old: %w", req.Symbol, age, types.ErrStaleQuote)
	}

	order := &types.Order{
		OrderID:    "ORD_" + uuid.New().String(),
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		OrderType:  req.OrderType,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}

	if req.OrderType == types.OrderTypeMarket {
		execPrice := q.Ask
		if req.Side == types.SideSell {
			execPrice = q.Bid
		}
		if err := e.risk.CheckOrderRisk(acct, req.Symbol, req.Quantity, execPrice); err != nil {
			return nil, err
		}
		if err := e.fillOrderLocked(order, q); err != nil {
			return nil, err
		}
		e.publishAccountState(req.AccountID)
		return order, nil
	}

	// Limit/stop: the trigger must sit on the correct side of the market.
	if err := validateTriggerSide(req.OrderType, req.Side, req.Price, q); err != nil {
		return nil, err
	}
	if err := e.risk.CheckOrderRisk(acct, req.Symbol, req.Quantity, req.Price); err != nil {
		return nil, err
	}

	order.Status = types.OrderStatusPending
	if err := e.db.CreateOrder(order); err != nil {
		return nil, err
	}
	e.watch.add(order)
	e.notifier.Publish(types.NewOrderUpdate(order))

	return order, nil
}

// ModifyOrder updates the trigger price of a pending order, or the stop
// loss / take profit of a pending order or its open position once filled.
func (e *Engine) ModifyOrder(orderID string, req ModifyOrderRequest) (*types.Order, error) {
	order, err := e.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}

	lock := e.accountLock(order.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(order.AccountID) {
		return nil, types.ErrAccountHalted
	}

	// Re-read under the lock; a trigger may have raced us here.
	order, err = e.db.GetOrder(orderID)
	if err != nil || order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}

	switch order.Status {
	case types.OrderStatusPending:
		if req.Price != nil {
			q, err := e.quotes.LatestQuote(order.Symbol)
			if err != nil {
				return nil, fmt.Errorf("no price available for %s: %w", order.Symbol, types.ErrValidation)
			}
			if err := validateTriggerSide(order.OrderType, order.Side, *req.Price, q); err != nil {
				return nil, err
			}
			order.Price = *req.Price
		}
		if req.StopLoss != nil {
			order.StopLoss = req.StopLoss
		}
		if req.TakeProfit != nil {
			order.TakeProfit = req.TakeProfit
		}
		if err := e.db.UpdateOrder(order); err != nil {
			return nil, err
		}

	case types.OrderStatusFilled:
		if req.Price != nil {
			return nil, fmt.Errorf("cannot change price of a filled order: %w", types.ErrInvalidState)
		}
		position, err := e.ledger.GetPositionByOrderID(order.OrderID)
		if err != nil {
			return nil, err
		}
		if position == nil {
			e.haltAccount(order.AccountID, "filled order has no position")
			return nil, fmt.Errorf("order %s filled with no position: %w", orderID, types.ErrInternalInconsistency)
		}
		if req.StopLoss != nil {
			order.StopLoss = req.StopLoss
			position.StopLoss = req.StopLoss
		}
		if req.TakeProfit != nil {
			order.TakeProfit = req.TakeProfit
			position.TakeProfit = req.TakeProfit
		}
		if err := e.ledger.UpdatePosition(position); err != nil {
			return nil, err
		}
		if err := e.db.UpdateOrder(order); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("cannot modify order in status %s: %w", order.Status, types.ErrInvalidState)
	}

	e.notifier.Publish(types.NewOrderUpdate(order))
	return order, nil
}

// CancelOrder cancels a pending order. The watch registration is removed
// under the same lock as the status transition, so a quote triggering the
// order in the same instant either wins the lock and fills it first, or
// finds it already cancelled and is a no-op.
func (e *Engine) CancelOrder(orderID string) (*types.Order, error) {
	order, err := e.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}

	lock := e.accountLock(order.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(order.AccountID) {
		return nil, types.ErrAccountHalted
	}

	order, err = e.db.GetOrder(orderID)
	if err != nil || order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	if order.Status != types.OrderStatusPending {
		return nil, fmt.Errorf("cannot cancel order in status %s: %w", order.Status, types.ErrInvalidState)
	}

	now := time.Now()
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	if err := e.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	e.watch.remove(order.Symbol, order.OrderID)
	e.notifier.Publish(types.NewOrderUpdate(order))

	return order, nil
}

// ClosePosition closes an open position at the current opposite-side
// quote and realizes its PnL into the account balance.
func (e *Engine) ClosePosition(positionID, reason string) (*types.Trade, error) {
	if reason == "" {
		reason = types.CloseReasonManual
	}

	position, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("position %s: %w", positionID, types.ErrNotFound)
	}

	lock := e.accountLock(position.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(position.AccountID) {
		return nil, types.ErrAccountHalted
	}

	// Re-read under the lock; a stop or liquidation may have closed it.
	position, err = e.ledger.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("position %s already closed: %w", positionID, types.ErrInvalidState)
	}

	// A manual close is priced off the cache, so it carries the same
	// staleness guard as placement. Quote-driven closes (stops,
	// liquidation) execute on the quote that arrived and skip this.
	q, err := e.quotes.LatestQuote(position.Symbol)
	if err != nil {
		return nil, fmt.Errorf("no price available for %s: %w", position.Symbol, types.ErrValidation)
	}
	if age := time.Since(q.Timestamp); age > e.limits.StaleQuoteMaxAge {
		return nil, fmt.Errorf("quote for %s is %s old: %w", position.Symbol, age, types.ErrStaleQuote)
	}

	trade, err := e.closePositionLocked(position, reason)
	if err != nil {
		return nil, err
	}

	if err := e.risk.EnforcePolicy(position.AccountID, e); err != nil {
		log.Error().Err(err).Str("account_id", position.AccountID).Msg("margin policy check after close failed")
	}
	e.publishAccountState(position.AccountID)

	return trade, nil
}

// ForceClose closes a position on behalf of the risk manager during a
// liquidation cascade. The account lock is already held by the caller.
func (e *Engine) ForceClose(accountID, positionID, reason string) error {
	position, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return err
	}
	if position == nil {
		return fmt.Errorf("position %s: %w", positionID, types.ErrNotFound)
	}
	if position.AccountID != accountID {
		return fmt.Errorf("position %s does not belong to account %s: %w", positionID, accountID, types.ErrValidation)
	}

	_, err = e.closePositionLocked(position, reason)
	return err
}

// closePositionLocked executes the close: exit at bid for longs, ask for
// shorts; realized PnL moves to the balance; the position is replaced by
// a trade and the originating order transitions to closed. All in one
// database transaction.
func (e *Engine) closePositionLocked(position *types.Position, reason string) (*types.Trade, error) {
	q, err := e.quotes.LatestQuote(position.Symbol)
	if err != nil {
		return nil, fmt.Errorf("no price available to close %s: %w", position.PositionID, err)
	}

	exitPrice := q.Bid
	if position.Side == types.SideSell {
		exitPrice = q.Ask
	}
	pnl, pips := ledger.RealizedPnL(*position, exitPrice)

	order, err := e.db.GetOrder(position.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		e.haltAccount(position.AccountID, "position has no originating order")
		return nil, fmt.Errorf("position %s has no order %s: %w",
			position.PositionID, position.OrderID, types.ErrInternalInconsistency)
	}

	now := time.Now()
	trade := &types.Trade{
		TradeID:        "TRD_" + uuid.New().String(),
		PositionID:     position.PositionID,
		OrderID:        position.OrderID,
		AccountID:      position.AccountID,
		Symbol:         position.Symbol,
		Side:           position.Side,
		Volume:         position.Volume,
		EntryPrice:     position.EntryPrice,
		ExitPrice:      exitPrice,
		StopLoss:       position.StopLoss,
		TakeProfit:     position.TakeProfit,
		ProfitLoss:     pnl,
		ProfitLossPips: pips,
		CloseReason:    reason,
		OpenedAt:       position.OpenedAt,
		ClosedAt:       now,
	}

	order.Status = types.OrderStatusClosed
	order.UpdatedAt = now

	if err := e.db.SettleClose(order, position, trade, pnl); err != nil {
		return nil, err
	}

	log.Info().
		Str("position_id", position.PositionID).
		Str("account_id", position.AccountID).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")

	e.notifier.Publish(types.NewOrderUpdate(order))
	return trade, nil
}

// fillOrderLocked executes an order as a market fill at the given quote
// and opens its position, atomically.
func (e *Engine) fillOrderLocked(order *types.Order, q types.Quote) error {
	acct, err := e.accounts.GetAccount(order.AccountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", order.AccountID, types.ErrNotFound)
	}

	execPrice := q.Ask
	if order.Side == types.SideSell {
		execPrice = q.Bid
	}

	now := time.Now()
	order.Status = types.OrderStatusFilled
	order.ExecutedPrice = execPrice
	order.FilledQuantity = order.Quantity
	order.FilledAt = &now

	position := &types.Position{
		PositionID: "POS_" + uuid.New().String(),
		OrderID:    order.OrderID,
		AccountID:  order.AccountID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Quantity,
		EntryPrice: execPrice,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Margin:     ledger.RequiredMargin(order.Symbol, order.Quantity, execPrice, acct.Leverage),
		OpenedAt:   now,
	}

	if err := e.db.FillOrder(order, position); err != nil {
		return err
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("position_id", position.PositionID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Float64("quantity", order.Quantity).
		Float64("executed_price", execPrice).
		Msg("order filled")

	e.notifier.Publish(types.NewOrderUpdate(order))
	return nil
}

// LoadPendingOrders rebuilds the trigger watch list from the database.
// Called once at startup.
func (e *Engine) LoadPendingOrders() error {
	orders, err := e.db.PendingOrders()
	if err != nil {
		return err
	}
	for i := range orders {
		e.watch.add(&orders[i])
	}
	log.Info().Int("count", len(orders)).Msg("pending orders registered for triggering")
	return nil
}

func (e *Engine) validateRequest(req *PlaceOrderRequest) error {
	if _, ok := market.Lookup(req.Symbol); !ok {
		return fmt.Errorf("unknown symbol %s: %w", req.Symbol, types.ErrValidation)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("invalid side %s: %w", req.Side, types.ErrValidation)
	}
	switch req.OrderType {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit, types.OrderTypeStop:
		if req.Price <= 0 {
			return fmt.Errorf("price is required for %s orders: %w", req.OrderType, types.ErrValidation)
		}
	default:
		return fmt.Errorf("invalid order type %s: %w", req.OrderType, types.ErrValidation)
	}
	if req.Quantity < e.limits.MinLotSize || req.Quantity > e.limits.MaxLotSize {
		return fmt.Errorf("quantity %.2f outside [%.2f, %.2f]: %w",
			req.Quantity, e.limits.MinLotSize, e.limits.MaxLotSize, types.ErrValidation)
	}
	return nil
}

// validateTriggerSide checks that a limit/stop trigger price sits on the
// correct side of the current market: limits better the current price,
// stops sit in the breakout direction.
func validateTriggerSide(orderType, side string, price float64, q types.Quote) error {
	var ok bool
	switch orderType {
	case types.OrderTypeLimit:
		if side == types.SideBuy {
			ok = price < q.Ask
		} else {
			ok = price > q.Bid
		}
	case types.OrderTypeStop:
		if side == types.SideBuy {
			ok = price > q.Ask
		} else {
			ok = price < q.Bid
		}
	}
	if !ok {
		return fmt.Errorf("%s %s trigger price %.5f on wrong side of market (bid %.5f / ask %.5f): %w",
			side, orderType, price, q.Bid, q.Ask, types.ErrValidation)
	}
	return nil
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	if l, ok := e.locks[accountID]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[accountID] = l
	return l
}

func (e *Engine) isHalted(accountID string) bool {
	e.haltedMu.RLock()
	defer e.haltedMu.RUnlock()
	return e.halted[accountID]
}

// haltAccount stops all further mutation on an account after an invariant
// violation, without taking down the process.
func (e *Engine) haltAccount(accountID, cause string) {
	e.haltedMu.Lock()
	e.halted[accountID] = true
	e.haltedMu.Unlock()

	if err := e.accounts.SetLocked(accountID, true); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("failed to persist account lock")
	}
	log.Error().
		Str("account_id", accountID).
		Str("cause", cause).
		Msg("account halted pending manual review")
}

func (e *Engine) publishAccountState(accountID string) {
	metrics, err := e.risk.Metrics(accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("failed to compute account metrics")
		return
	}
	e.notifier.Publish(types.NewAccountUpdate(accountID, metrics))
}
