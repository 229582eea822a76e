package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/types"
)

// OnQuote is the price-feed entry point. It fans the quote out to every
// account with a pending order or open position in the symbol; the work
// for each account runs under that account's exclusion, so triggering
// never interleaves with an in-flight order on the same account.
func (e *Engine) OnQuote(q types.Quote) {
	e.notifier.Publish(types.NewPriceUpdate(q))

	affected := e.watch.accountsFor(q.Symbol)
	holders, err := e.ledger.AccountsWithPositions(q.Symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", q.Symbol).Msg("failed to list accounts for revaluation")
	}
	for _, id := range holders {
		affected[id] = struct{}{}
	}

	for accountID := range affected {
		e.revalueAccount(accountID, q)
	}
}

func (e *Engine) revalueAccount(accountID string, q types.Quote) {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if e.isHalted(accountID) {
		return
	}

	e.triggerPendingLocked(accountID, q)
	e.enforceStopsLocked(accountID, q)

	if err := e.risk.EnforcePolicy(accountID, e); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("margin policy enforcement failed")
	}
	e.publishAccountState(accountID)
}

// triggerPendingLocked fills pending limit/stop orders whose trigger
// condition the quote satisfies. The database is the authority on order
// status: an order cancelled since it was watched is simply unregistered.
func (e *Engine) triggerPendingLocked(accountID string, q types.Quote) {
	for _, orderID := range e.watch.orders(q.Symbol, accountID) {
		order, err := e.db.GetOrder(orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("failed to load watched order")
			continue
		}
		if order == nil || order.Status != types.OrderStatusPending {
			e.watch.remove(q.Symbol, orderID)
			continue
		}
		if !triggerMet(order, q) {
			continue
		}

		acct, err := e.accounts.GetAccount(accountID)
		if err != nil || acct == nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("failed to load account for trigger")
			continue
		}

		execPrice := q.Ask
		if order.Side == types.SideSell {
			execPrice = q.Bid
		}

		// The margin reserved at placement may no longer be available.
		if err := e.risk.CheckOrderRisk(acct, order.Symbol, order.Quantity, execPrice); err != nil {
			order.Status = types.OrderStatusRejected
			order.RejectionReason = err.Error()
			if dbErr := e.db.UpdateOrder(order); dbErr != nil {
				log.Error().Err(dbErr).Str("order_id", orderID).Msg("failed to persist order rejection")
			}
			e.watch.remove(q.Symbol, orderID)
			e.notifier.Publish(types.NewOrderUpdate(order))
			continue
		}

		if err := e.fillOrderLocked(order, q); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("triggered order failed to fill")
			continue
		}
		e.watch.remove(q.Symbol, orderID)
	}
}

// enforceStopsLocked closes open positions whose stop loss or take profit
// the quote has hit. Longs are marked on bid, shorts on ask.
func (e *Engine) enforceStopsLocked(accountID string, q types.Quote) {
	positions, err := e.ledger.OpenPositionsBySymbol(accountID, q.Symbol)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("failed to load positions for stop checks")
		return
	}

	for i := range positions {
		p := &positions[i]

		reason := ""
		switch {
		case stopLossHit(p, q):
			reason = types.CloseReasonStopLoss
		case takeProfitHit(p, q):
			reason = types.CloseReasonTakeProfit
		}
		if reason == "" {
			continue
		}

		if _, err := e.closePositionLocked(p, reason); err != nil {
			log.Error().Err(err).
				Str("position_id", p.PositionID).
				Str("reason", reason).
				Msg("conditional close failed")
		}
	}
}

// triggerMet reports whether a pending order's trigger condition holds.
// Limits fire when the price reaches or betters the target; stops fire
// when it reaches or exceeds the target in the breakout direction.
func triggerMet(o *types.Order, q types.Quote) bool {
	switch o.OrderType {
	case types.OrderTypeLimit:
		if o.Side == types.SideBuy {
			return q.Ask <= o.Price
		}
		return q.Bid >= o.Price
	case types.OrderTypeStop:
		if o.Side == types.SideBuy {
			return q.Ask >= o.Price
		}
		return q.Bid <= o.Price
	}
	return false
}

func stopLossHit(p *types.Position, q types.Quote) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == types.SideBuy {
		return q.Bid <= *p.StopLoss
	}
	return q.Ask >= *p.StopLoss
}

func takeProfitHit(p *types.Position, q types.Quote) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == types.SideBuy {
		return q.Bid >= *p.TakeProfit
	}
	return q.Ask <= *p.TakeProfit
}

// watchList indexes pending limit/stop orders by symbol for trigger
// checks. It is an in-memory index over the orders table, rebuilt at
// startup; additions and removals happen under the owning account's lock.
type watchList struct {
	mu       sync.Mutex
	bySymbol map[string]map[string]string // symbol -> order id -> account id
}

func newWatchList() *watchList {
	return &watchList{bySymbol: make(map[string]map[string]string)}
}

func (w *watchList) add(o *types.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()

	orders, ok := w.bySymbol[o.Symbol]
	if !ok {
		orders = make(map[string]string)
		w.bySymbol[o.Symbol] = orders
	}
	orders[o.OrderID] = o.AccountID
}

func (w *watchList) remove(symbol, orderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if orders, ok := w.bySymbol[symbol]; ok {
		delete(orders, orderID)
		if len(orders) == 0 {
			delete(w.bySymbol, symbol)
		}
	}
}

func (w *watchList) orders(symbol, accountID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for orderID, owner := range w.bySymbol[symbol] {
		if owner == accountID {
			out = append(out, orderID)
		}
	}
	return out
}

func (w *watchList) accountsFor(symbol string) map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]struct{})
	for _, owner := range w.bySymbol[symbol] {
		out[owner] = struct{}{}
	}
	return out
}
