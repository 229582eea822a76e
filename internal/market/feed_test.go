package market

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/forex-api/internal/types"
)

func TestNewSimulatedFeedSeedsAllSymbols(t *testing.T) {
	feed := NewSimulatedFeed()

	quotes := feed.AllQuotes()
	require.Len(t, quotes, len(symbols))

	for code, meta := range symbols {
		q, ok := quotes[code]
		require.True(t, ok, "missing quote for %s", code)

		spread := spreadPips * meta.PipSize
		assert.InDelta(t, meta.BasePrice, q.Mid(), 1e-9)
		assert.InDelta(t, spread, q.Ask-q.Bid, 1e-9)
		assert.Greater(t, q.Ask, q.Bid)
	}
}

func TestLatestQuoteUnknownSymbol(t *testing.T) {
	feed := NewSimulatedFeed()

	_, err := feed.LatestQuote("XXXYYY")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestPushStoresAndNotifies(t *testing.T) {
	feed := NewSimulatedFeed()

	var got []types.Quote
	unsubscribe := feed.Subscribe(func(q types.Quote) {
		got = append(got, q)
	})
	defer unsubscribe()

	pushed := types.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002, Timestamp: time.Now()}
	feed.Push(pushed)

	require.Len(t, got, 1)
	assert.Equal(t, pushed, got[0])

	latest, err := feed.LatestQuote("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, pushed, latest)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	feed := NewSimulatedFeed()

	calls := 0
	unsubscribe := feed.Subscribe(func(types.Quote) { calls++ })

	feed.Push(types.Quote{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002, Timestamp: time.Now()})
	unsubscribe()
	feed.Push(types.Quote{Symbol: "EURUSD", Bid: 1.2, Ask: 1.2002, Timestamp: time.Now()})

	assert.Equal(t, 1, calls)
}

func TestTickAllKeepsSpreadAndBoundsMove(t *testing.T) {
	feed := NewSimulatedFeed()
	before := feed.AllQuotes()

	feed.tickAll()
	after := feed.AllQuotes()

	for code, meta := range symbols {
		prev, next := before[code], after[code]

		spread := spreadPips * meta.PipSize
		assert.InDelta(t, spread, next.Ask-next.Bid, 1e-9)

		// Random walk moves at most 5 pips per tick
		move := next.Mid() - prev.Mid()
		assert.LessOrEqual(t, move, 5*meta.PipSize+1e-9)
		assert.GreaterOrEqual(t, move, -5*meta.PipSize-1e-9)
	}
}
