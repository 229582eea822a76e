package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, time.Second, cfg.PriceUpdateInterval)
	assert.Equal(t, 5*time.Second, cfg.StaleQuoteMaxAge)
	assert.Equal(t, 0.01, cfg.MinLotSize)
	assert.Equal(t, 100.0, cfg.MaxLotSize)
	assert.Equal(t, 100, cfg.DefaultLeverage)
	assert.Equal(t, 10000.0, cfg.StartingBalance)
	assert.Equal(t, 50.0, cfg.MarginCallLevel)
	assert.Equal(t, 20.0, cfg.LiquidationLevel)
	assert.Equal(t, 100, cfg.SubscriberQueueSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PRICE_UPDATE_INTERVAL_MS", "250")
	t.Setenv("MARGIN_CALL_LEVEL", "80")
	t.Setenv("AUTO_LIQUIDATION_MARGIN_LEVEL", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.PriceUpdateInterval)
	assert.Equal(t, 80.0, cfg.MarginCallLevel)
	assert.Equal(t, 30.0, cfg.LiquidationLevel)
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("MARGIN_CALL_LEVEL", "10")
	t.Setenv("AUTO_LIQUIDATION_MARGIN_LEVEL", "20")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MARGIN_CALL_LEVEL")
}

func TestLoadRejectsBadLotBounds(t *testing.T) {
	t.Setenv("MIN_LOT_SIZE", "1")
	t.Setenv("MAX_LOT_SIZE", "0.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lot size")
}

func TestGetEnvFallbacksOnGarbage(t *testing.T) {
	t.Setenv("MAX_OPEN_POSITIONS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxOpenPositions)
}
