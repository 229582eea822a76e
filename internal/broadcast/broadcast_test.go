package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/forex-api/internal/types"
)

func priceEvent(symbol string, bid float64) types.Event {
	return types.NewPriceUpdate(types.Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       bid + 0.0002,
		Timestamp: time.Now(),
	})
}

func TestSubscriberOnlyReceivesWatchedSymbols(t *testing.T) {
	b := NewBroadcaster(10)
	sub := b.Subscribe()
	defer sub.Close()

	sub.WatchSymbol("EURUSD")

	b.Publish(priceEvent("EURUSD", 1.0850))
	b.Publish(priceEvent("GBPUSD", 1.2650))

	require.Len(t, sub.events, 1)
	got := <-sub.Events()
	assert.Equal(t, "EURUSD", got.Symbol)
}

func TestWatchAllSymbols(t *testing.T) {
	b := NewBroadcaster(10)
	sub := b.Subscribe()
	defer sub.Close()

	sub.WatchSymbol("")

	b.Publish(priceEvent("EURUSD", 1.0850))
	b.Publish(priceEvent("GBPUSD", 1.2650))

	assert.Len(t, sub.events, 2)
}

func TestAccountEventsMatchOnAccount(t *testing.T) {
	b := NewBroadcaster(10)
	mine := b.Subscribe()
	defer mine.Close()
	other := b.Subscribe()
	defer other.Close()

	mine.WatchAccount("ACC_1")
	other.WatchAccount("ACC_2")

	b.Publish(types.NewAlert("ACC_1", types.AlertMarginCall, 45.0, "Margin call"))

	require.Len(t, mine.events, 1)
	assert.Len(t, other.events, 0)

	got := <-mine.Events()
	assert.Equal(t, types.EventAlert, got.Type)
	assert.Equal(t, "ACC_1", got.AccountID)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster(3)
	sub := b.Subscribe()
	defer sub.Close()

	sub.WatchSymbol("EURUSD")

	for i := 1; i <= 5; i++ {
		b.Publish(priceEvent("EURUSD", float64(i)))
	}

	// Queue holds the 3 newest; the 2 oldest were evicted
	require.Len(t, sub.events, 3)
	for _, wantBid := range []float64{3, 4, 5} {
		got := <-sub.Events()
		data, ok := got.Data.(types.PriceUpdateData)
		require.True(t, ok)
		assert.InDelta(t, wantBid, data.Bid, 1e-9)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := NewBroadcaster(10)
	sub := b.Subscribe()
	sub.WatchSymbol("EURUSD")

	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Publish after close must not panic or deliver
	b.Publish(priceEvent("EURUSD", 1.0850))

	_, open := <-sub.Events()
	assert.False(t, open)

	// Close is idempotent
	sub.Close()
}

func TestSubscriberWithoutInterestsGetsNothing(t *testing.T) {
	b := NewBroadcaster(10)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(priceEvent("EURUSD", 1.0850))
	b.Publish(types.NewAlert("ACC_1", types.AlertLiquidation, 15.0, "Liquidation"))

	assert.Len(t, sub.events, 0)
}
