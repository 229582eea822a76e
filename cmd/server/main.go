package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/auth"
	"github.com/ksred/forex-api/internal/broadcast"
	"github.com/ksred/forex-api/internal/config"
	"github.com/ksred/forex-api/internal/database"
	"github.com/ksred/forex-api/internal/engine"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/risk"
	"github.com/ksred/forex-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trading API server with graceful shutdown support
// It wires the price feed, order engine, risk manager and broadcaster together
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials
	authService.RegisterAPICredentials(auth.DemoAPIKey, auth.DemoAPISecret)

	feed := market.NewSimulatedFeed()
	marketHandlers := market.NewGinHandlers(feed)

	broadcaster := broadcast.NewBroadcaster(cfg.SubscriberQueueSize)

	accountStore := accounts.NewStore(db)
	positionLedger := ledger.NewLedger(db)

	riskManager := risk.NewManager(risk.Config{
		MarginCallLevel:  cfg.MarginCallLevel,
		LiquidationLevel: cfg.LiquidationLevel,
	}, accountStore, positionLedger, feed, broadcaster)

	accountHandlers := accounts.NewGinHandlers(accountStore, riskManager)

	orderEngine := engine.NewEngine(db, positionLedger, accountStore, feed, riskManager, broadcaster, engine.Limits{
		MinLotSize:       cfg.MinLotSize,
		MaxLotSize:       cfg.MaxLotSize,
		MaxOpenPositions: cfg.MaxOpenPositions,
		StaleQuoteMaxAge: cfg.StaleQuoteMaxAge,
	})
	engineHandlers := engine.NewGinHandlers(orderEngine)

	wsHandler := broadcast.NewWSHandler(broadcaster, accountStore)

	// Re-register pending orders so limit/stop triggers survive restarts
	if err := orderEngine.LoadPendingOrders(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load pending orders")
	}

	// Start the price feed; every tick drives triggering, stop-outs and
	// margin enforcement through the engine
	feedCtx, feedCancel := context.WithCancel(context.Background())
	defer feedCancel()

	unsubscribe := feed.Subscribe(orderEngine.OnQuote)
	defer unsubscribe()

	go feed.Start(feedCtx, cfg.PriceUpdateInterval)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, accountHandlers, engineHandlers, marketHandlers, wsHandler, cfg)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the feed first so no new triggers fire during drain
	feedCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Market routes: Public read-only quote and symbol data
// - Account, order, position and trade routes: Protected by JWT authentication
// - WebSocket route: Protected by JWT authentication, streams trading events
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	accountHandlers *accounts.GinHandlers,
	engineHandlers *engine.GinHandlers,
	marketHandlers *market.GinHandlers,
	wsHandler *broadcast.WSHandler,
	cfg *config.Config,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Market data routes
		marketGroup := v1.Group("/market")
		{
			marketGroup.GET("/symbols", marketHandlers.ListSymbolsHandler())
			marketGroup.GET("/quotes", marketHandlers.ListQuotesHandler())
			marketGroup.GET("/quotes/:symbol", marketHandlers.GetQuoteHandler())
		}

		// Account routes
		accountGroup := v1.Group("/accounts")
		accountGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			accountGroup.POST("", accountHandlers.CreateAccountHandler(cfg.DefaultLeverage, cfg.StartingBalance))
			accountGroup.GET("", accountHandlers.ListAccountsHandler())
			accountGroup.GET("/:account_id/snapshot", accountHandlers.SnapshotHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", engineHandlers.PlaceOrderHandler())
			orders.GET("", engineHandlers.ListOrdersHandler())
			orders.GET("/:order_id", engineHandlers.GetOrderHandler())
			orders.PUT("/:order_id", engineHandlers.ModifyOrderHandler())
			orders.DELETE("/:order_id", engineHandlers.CancelOrderHandler())
		}

		// Position and trade routes
		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.GET("", engineHandlers.ListPositionsHandler())
			positions.POST("/:position_id/close", engineHandlers.ClosePositionHandler())
		}

		trades := v1.Group("/trades")
		trades.Use(middleware.JWTAuth(jwtSecret))
		{
			trades.GET("", engineHandlers.ListTradesHandler())
		}

		// Event stream
		v1.GET("/ws", middleware.JWTAuth(jwtSecret), wsHandler.StreamHandler())
	}
}
