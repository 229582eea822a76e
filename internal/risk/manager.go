package risk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/types"
)

// PositionCloser force-closes a position. The order engine implements
// this; it is called with the account's exclusion already held, so the
// entire liquidation cascade runs inside one critical section.
type PositionCloser interface {
	ForceClose(accountID, positionID, reason string) error
}

// Notifier publishes events without blocking.
type Notifier interface {
	Publish(e types.Event)
}

// Config carries the margin policy thresholds, in margin-level percent.
type Config struct {
	MarginCallLevel  float64 // alert below this
	LiquidationLevel float64 // force-close below this
}

// Manager recomputes derived account figures and enforces margin policy.
// It never mutates positions itself; forced closes go through the
// PositionCloser handed to EnforcePolicy.
type Manager struct {
	cfg      Config
	accounts *accounts.Store
	ledger   *ledger.Ledger
	quotes   market.Source
	notifier Notifier

	mu sync.Mutex
	// Accounts with an un-recovered margin call. In-memory only: after a
	// restart an account still below threshold re-fires one alert, so
	// delivery is at-least-once across process lifetimes.
	marginCall map[string]bool
}

func NewManager(cfg Config, store *accounts.Store, l *ledger.Ledger, quotes market.Source, notifier Notifier) *Manager {
	return &Manager{
		cfg:        cfg,
		accounts:   store,
		ledger:     l,
		quotes:     quotes,
		notifier:   notifier,
		marginCall: make(map[string]bool),
	}
}

// Metrics loads the account and recomputes its derived figures from the
// latest quotes. Safe to call at any time; no side effects.
func (m *Manager) Metrics(accountID string) (types.AccountMetrics, error) {
	acct, err := m.accounts.GetAccount(accountID)
	if err != nil {
		return types.AccountMetrics{}, err
	}
	if acct == nil {
		return types.AccountMetrics{}, fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}

	positions, err := m.ledger.OpenPositions(accountID)
	if err != nil {
		return types.AccountMetrics{}, err
	}

	return m.Compute(acct, positions), nil
}

// Compute derives equity, used margin, free margin and margin level from
// balance, open positions and the latest quotes. Pure over its inputs and
// the quote cache: calling it twice with no intervening state change
// yields identical results.
//
// margin level is reported as 0 when no margin is in use; policy checks
// guard on used margin, so a flat account carries no liquidation risk.
func (m *Manager) Compute(acct *accounts.TradingAccount, positions []types.Position) types.AccountMetrics {
	var usedMargin, floating float64

	for _, p := range positions {
		usedMargin += ledger.RequiredMargin(p.Symbol, p.Volume, p.EntryPrice, acct.Leverage)

		q, err := m.quotes.LatestQuote(p.Symbol)
		if err != nil {
			// Degrade to entry price: position contributes zero floating
			// PnL until a quote arrives.
			continue
		}
		floating += ledger.FloatingPnL(p, q)
	}

	equity := acct.Balance + floating
	metrics := types.AccountMetrics{
		Balance:     acct.Balance,
		Equity:      equity,
		MarginUsed:  usedMargin,
		MarginFree:  equity - usedMargin,
		FloatingPnL: floating,
	}
	if usedMargin > 0 {
		metrics.MarginLevel = equity / usedMargin * 100
	}
	return metrics
}

// CheckOrderRisk performs the pre-trade margin check: the new position's
// margin must fit within free margin after provisionally including it.
func (m *Manager) CheckOrderRisk(acct *accounts.TradingAccount, symbol string, volume, price float64) error {
	if acct.Locked {
		return fmt.Errorf("account %s is locked: %w", acct.AccountID, types.ErrInvalidState)
	}
	if !acct.Active {
		return fmt.Errorf("account %s is inactive: %w", acct.AccountID, types.ErrInvalidState)
	}

	positions, err := m.ledger.OpenPositions(acct.AccountID)
	if err != nil {
		return err
	}
	metrics := m.Compute(acct, positions)

	required := ledger.RequiredMargin(symbol, volume, price, acct.Leverage)
	if required > metrics.MarginFree {
		return fmt.Errorf("required %.2f, available %.2f: %w",
			required, metrics.MarginFree, types.ErrInsufficientMargin)
	}
	return nil
}

// EnforcePolicy applies margin policy for an account. The caller must
// hold the account's exclusion: forced closes and the margin-call check
// must not interleave with order placement on the same account.
//
// Policy order: liquidation first (level below the liquidation threshold
// with margin in use), then the edge-triggered margin call alert.
func (m *Manager) EnforcePolicy(accountID string, closer PositionCloser) error {
	acct, err := m.accounts.GetAccount(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}

	positions, err := m.ledger.OpenPositions(accountID)
	if err != nil {
		return err
	}
	metrics := m.Compute(acct, positions)

	if metrics.MarginUsed > 0 && metrics.MarginLevel < m.cfg.LiquidationLevel {
		metrics, err = m.liquidate(acct, closer)
		if err != nil {
			return err
		}
	}

	m.evaluateMarginCall(accountID, metrics)
	return nil
}

// liquidate force-closes positions largest-loss-first, re-evaluating the
// account after every close, until margin is free or the level recovers
// above the liquidation threshold. A failed close is logged and skipped;
// the cascade continues and the account is flagged for review.
func (m *Manager) liquidate(acct *accounts.TradingAccount, closer PositionCloser) (types.AccountMetrics, error) {
	logger := log.With().
		Str("component", "risk_manager").
		Str("account_id", acct.AccountID).
		Logger()

	metrics := types.AccountMetrics{}
	failed := make(map[string]bool)

	for {
		positions, err := m.ledger.OpenPositions(acct.AccountID)
		if err != nil {
			return metrics, err
		}

		// Refresh balance: each close realizes PnL.
		fresh, err := m.accounts.GetAccount(acct.AccountID)
		if err != nil {
			return metrics, err
		}
		if fresh != nil {
			acct = fresh
		}

		metrics = m.Compute(acct, positions)
		if metrics.MarginUsed <= 0 || metrics.MarginLevel >= m.cfg.LiquidationLevel {
			return metrics, nil
		}

		candidates := make([]types.Position, 0, len(positions))
		for _, p := range positions {
			if !failed[p.PositionID] {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			logger.Error().Msg("liquidation stalled: all remaining closes failed")
			return metrics, nil
		}

		// Largest loss first, to stop the bleed fastest. Deterministic
		// tie-break on position id.
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := m.floatingOrZero(candidates[i]), m.floatingOrZero(candidates[j])
			if pi != pj {
				return pi < pj
			}
			return candidates[i].PositionID < candidates[j].PositionID
		})

		victim := candidates[0]
		logger.Warn().
			Str("position_id", victim.PositionID).
			Float64("margin_level", metrics.MarginLevel).
			Msg("forced liquidation of position")

		if err := closer.ForceClose(acct.AccountID, victim.PositionID, types.CloseReasonLiquidation); err != nil {
			logger.Error().Err(err).
				Str("position_id", victim.PositionID).
				Msg("forced close failed, continuing cascade")
			failed[victim.PositionID] = true
			if lockErr := m.accounts.SetLocked(acct.AccountID, true); lockErr != nil {
				logger.Error().Err(lockErr).Msg("failed to flag account for review")
			}
			continue
		}

		m.notifier.Publish(types.NewAlert(
			acct.AccountID,
			types.AlertLiquidation,
			metrics.MarginLevel,
			fmt.Sprintf("Auto-liquidation: position %s closed at margin level %.2f%%", victim.PositionID, metrics.MarginLevel),
		))
	}
}

// evaluateMarginCall fires the margin-call alert edge-triggered: at most
// once per downward crossing, re-armed only after the level climbs back
// above the threshold.
func (m *Manager) evaluateMarginCall(accountID string, metrics types.AccountMetrics) {
	m.mu.Lock()
	active := m.marginCall[accountID]

	breached := metrics.MarginUsed > 0 && metrics.MarginLevel < m.cfg.MarginCallLevel
	switch {
	case breached && !active:
		m.marginCall[accountID] = true
		m.mu.Unlock()

		m.notifier.Publish(types.NewAlert(
			accountID,
			types.AlertMarginCall,
			metrics.MarginLevel,
			fmt.Sprintf("Margin call: margin level is %.2f%%", metrics.MarginLevel),
		))
	case !breached && active:
		delete(m.marginCall, accountID)
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) floatingOrZero(p types.Position) float64 {
	q, err := m.quotes.LatestQuote(p.Symbol)
	if err != nil {
		return 0
	}
	return ledger.FloatingPnL(p, q)
}
