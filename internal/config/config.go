package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Every value can be
// overridden via environment variables or a .env file.
type Config struct {
	// Server
	Port string
	Env  string // development or production

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Price feed
	PriceUpdateInterval time.Duration
	StaleQuoteMaxAge    time.Duration

	// Trading limits
	MinLotSize       float64
	MaxLotSize       float64
	MaxOpenPositions int
	DefaultLeverage  int
	StartingBalance  float64

	// Risk thresholds, in margin-level percent
	MarginCallLevel  float64
	LiquidationLevel float64

	// Broadcast
	SubscriberQueueSize int
}

// Load reads configuration from the environment, loading a .env file
// first if one is present.
func Load() (*Config, error) {
	// Missing .env is fine; plain env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		DBPath:              getEnv("DB_PATH", "forex.db"),
		JWTSecret:           getEnv("JWT_SECRET", "forex-secret-key"),
		PriceUpdateInterval: getEnvAsMillis("PRICE_UPDATE_INTERVAL_MS", 1000),
		StaleQuoteMaxAge:    getEnvAsMillis("STALE_QUOTE_MAX_AGE_MS", 5000),
		MinLotSize:          getEnvAsFloat("MIN_LOT_SIZE", 0.01),
		MaxLotSize:          getEnvAsFloat("MAX_LOT_SIZE", 100.0),
		MaxOpenPositions:    getEnvAsInt("MAX_OPEN_POSITIONS", 50),
		DefaultLeverage:     getEnvAsInt("DEFAULT_LEVERAGE", 100),
		StartingBalance:     getEnvAsFloat("STARTING_BALANCE", 10000.0),
		MarginCallLevel:     getEnvAsFloat("MARGIN_CALL_LEVEL", 50.0),
		LiquidationLevel:    getEnvAsFloat("AUTO_LIQUIDATION_MARGIN_LEVEL", 20.0),
		SubscriberQueueSize: getEnvAsInt("WS_MESSAGE_QUEUE_SIZE", 100),
	}

	var errs []string
	if cfg.LiquidationLevel <= 0 {
		errs = append(errs, "AUTO_LIQUIDATION_MARGIN_LEVEL must be positive")
	}
	if cfg.MarginCallLevel <= cfg.LiquidationLevel {
		errs = append(errs, "MARGIN_CALL_LEVEL must be above AUTO_LIQUIDATION_MARGIN_LEVEL")
	}
	if cfg.MinLotSize <= 0 || cfg.MaxLotSize < cfg.MinLotSize {
		errs = append(errs, "lot size bounds are invalid")
	}
	if cfg.DefaultLeverage < 1 {
		errs = append(errs, "DEFAULT_LEVERAGE must be at least 1")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsMillis(key string, fallbackMillis int64) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMillis) * time.Millisecond
}
