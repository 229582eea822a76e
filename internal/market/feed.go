package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/types"
)

// Source supplies the latest quote per symbol. The engine depends only on
// this interface; a live broker connection would be an alternative
// implementation.
type Source interface {
	LatestQuote(symbol string) (types.Quote, error)
}

const spreadPips = 1.5

// SimulatedFeed is a random-walk price source for all known symbols.
// It keeps a latest-value cache per symbol and fans new quotes out to
// subscribers from a single background loop.
type SimulatedFeed struct {
	mu     sync.RWMutex
	quotes map[string]types.Quote
	subs   map[int]func(types.Quote)
	nextID int
	rng    *rand.Rand
}

// NewSimulatedFeed seeds the cache with every symbol's base price and a
// standard spread.
func NewSimulatedFeed() *SimulatedFeed {
	f := &SimulatedFeed{
		quotes: make(map[string]types.Quote),
		subs:   make(map[int]func(types.Quote)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	now := time.Now()
	for _, s := range All() {
		spread := spreadPips * s.PipSize
		f.quotes[s.Code] = types.Quote{
			Symbol:    s.Code,
			Bid:       s.BasePrice - spread/2,
			Ask:       s.BasePrice + spread/2,
			Timestamp: now,
		}
	}
	return f
}

// LatestQuote returns the cached quote for a symbol.
func (f *SimulatedFeed) LatestQuote(symbol string) (types.Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("no quote for symbol %s: %w", symbol, types.ErrNotFound)
	}
	return q, nil
}

// AllQuotes returns a copy of the latest quotes for every symbol.
func (f *SimulatedFeed) AllQuotes() map[string]types.Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]types.Quote, len(f.quotes))
	for sym, q := range f.quotes {
		out[sym] = q
	}
	return out
}

// Subscribe registers a callback invoked for every new quote. Callbacks
// run synchronously on the feed loop, one symbol at a time. The returned
// function removes the subscription.
func (f *SimulatedFeed) Subscribe(fn func(types.Quote)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Push stores a quote directly and notifies subscribers. Used by tests and
// replay tooling to drive deterministic prices.
func (f *SimulatedFeed) Push(q types.Quote) {
	f.mu.Lock()
	f.quotes[q.Symbol] = q
	subs := f.snapshotSubsLocked()
	f.mu.Unlock()

	for _, fn := range subs {
		fn(q)
	}
}

// Start runs the price simulation loop until the context is cancelled.
func (f *SimulatedFeed) Start(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "price_feed").Logger()
	logger.Info().Dur("interval", interval).Msg("starting simulated price feed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price feed")
			return
		case <-ticker.C:
			f.tickAll()
		}
	}
}

func (f *SimulatedFeed) tickAll() {
	f.mu.Lock()
	updated := make([]types.Quote, 0, len(f.quotes))
	now := time.Now()
	for code, q := range f.quotes {
		meta := symbols[code]

		// Random walk around the current mid, at most 5 pips per tick.
		move := (f.rng.Float64()*10 - 5) * meta.PipSize
		mid := q.Mid() + move
		spread := spreadPips * meta.PipSize

		next := types.Quote{
			Symbol:    code,
			Bid:       mid - spread/2,
			Ask:       mid + spread/2,
			Timestamp: now,
		}
		f.quotes[code] = next
		updated = append(updated, next)
	}
	subs := f.snapshotSubsLocked()
	f.mu.Unlock()

	for _, q := range updated {
		for _, fn := range subs {
			fn(q)
		}
	}
}

// snapshotSubsLocked copies the subscriber list so callbacks run without
// holding the feed lock.
func (f *SimulatedFeed) snapshotSubsLocked() []func(types.Quote) {
	out := make([]func(types.Quote), 0, len(f.subs))
	for _, fn := range f.subs {
		out = append(out, fn)
	}
	return out
}
