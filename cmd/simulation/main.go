package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/forex-api/internal/accounts"
	"github.com/ksred/forex-api/internal/auth"
	"github.com/ksred/forex-api/internal/broadcast"
	"github.com/ksred/forex-api/internal/config"
	"github.com/ksred/forex-api/internal/database"
	"github.com/ksred/forex-api/internal/engine"
	"github.com/ksred/forex-api/internal/ledger"
	"github.com/ksred/forex-api/internal/market"
	"github.com/ksred/forex-api/internal/risk"
	"github.com/ksred/forex-api/internal/types"
	"github.com/ksred/forex-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 100
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var (
	symbols = []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"}
	sides   = []string{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the trading API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"account":   {name: "Create Account"},
			"order":     {name: "Place Order"},
			"positions": {name: "List Positions"},
			"close":     {name: "Close Position"},
			"snapshot":  {name: "Account Snapshot"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.DemoAPIKey,
		"api_secret": auth.DemoAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// doJSON performs an authenticated request and decodes the data envelope
// into out
func (sc *simulationClient) doJSON(method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// createAccount opens a trading account and returns its ID
func (sc *simulationClient) createAccount() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["account"].addDuration(time.Since(start))
	}()

	var acct struct {
		AccountID string  `json:"account_id"`
		Balance   float64 `json:"balance"`
	}
	if err := sc.doJSON("POST", "/api/v1/accounts", map[string]interface{}{}, &acct); err != nil {
		sc.stats["account"].failures++
		return "", err
	}
	if acct.AccountID == "" {
		return "", fmt.Errorf("no account ID in response")
	}
	return acct.AccountID, nil
}

// placeOrder submits a new order and returns its ID and status
func (sc *simulationClient) placeOrder(req engine.PlaceOrderRequest) (string, string, error) {
	start := time.Now()
	defer func() {
		sc.stats["order"].addDuration(time.Since(start))
	}()

	var order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := sc.doJSON("POST", "/api/v1/orders", req, &order); err != nil {
		sc.stats["order"].failures++
		return "", "", err
	}
	if order.OrderID == "" {
		return "", "", fmt.Errorf("no order ID in response")
	}
	return order.OrderID, order.Status, nil
}

// listPositions returns the open positions for an account
func (sc *simulationClient) listPositions(accountID string) ([]types.Position, error) {
	start := time.Now()
	defer func() {
		sc.stats["positions"].addDuration(time.Since(start))
	}()

	var positions []types.Position
	err := sc.doJSON("GET", "/api/v1/positions?account_id="+accountID, nil, &positions)
	if err != nil {
		sc.stats["positions"].failures++
		return nil, err
	}
	return positions, nil
}

// closePosition closes an open position at market
func (sc *simulationClient) closePosition(positionID string) (*types.Trade, error) {
	start := time.Now()
	defer func() {
		sc.stats["close"].addDuration(time.Since(start))
	}()

	var trade types.Trade
	err := sc.doJSON("POST", fmt.Sprintf("/api/v1/positions/%s/close", positionID), nil, &trade)
	if err != nil {
		sc.stats["close"].failures++
		return nil, err
	}
	return &trade, nil
}

// getSnapshot fetches the live margin figures for an account
func (sc *simulationClient) getSnapshot(accountID string) (*types.AccountMetrics, error) {
	start := time.Now()
	defer func() {
		sc.stats["snapshot"].addDuration(time.Since(start))
	}()

	var metrics types.AccountMetrics
	err := sc.doJSON("GET", fmt.Sprintf("/api/v1/accounts/%s/snapshot", accountID), nil, &metrics)
	if err != nil {
		sc.stats["snapshot"].failures++
		return nil, err
	}
	return &metrics, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the trading simulation
// It starts a local API server and simulates multiple concurrent trading clients
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	accountID, err := simClient.createAccount()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create trading account")
	}
	log.Info().Str("account_id", accountID).Msg("Trading account opened")

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeOrdersHTTP(workerID, targetOrders/numWorkers, accountID, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be placed
	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}
	log.Info().Int("orders_placed", len(orderIDs)).Msg("All orders placed")

	// Let the price feed move the market before closing out
	time.Sleep(3 * time.Second)

	stats := struct {
		TotalOrders     int
		ClosedPositions int
		FailedCloses    int
		RealizedPnL     float64
		StartTime       time.Time
		Symbols         map[string]int
		Sides           map[string]int
		CloseReasons    map[string]int
	}{
		TotalOrders:  len(orderIDs),
		StartTime:    time.Now(),
		Symbols:      make(map[string]int),
		Sides:        make(map[string]int),
		CloseReasons: make(map[string]int),
	}

	// Close out every open position and realize the PnL
	positions, err := simClient.listPositions(accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list positions")
	}

	for _, position := range positions {
		stats.Symbols[position.Symbol]++
		stats.Sides[position.Side]++

		trade, err := simClient.closePosition(position.PositionID)
		if err != nil {
			log.Error().Err(err).
				Str("position_id", position.PositionID).
				Msg("Failed to close position")
			stats.FailedCloses++
			continue
		}
		stats.ClosedPositions++
		stats.RealizedPnL += trade.ProfitLoss
		stats.CloseReasons[trade.CloseReason]++

		log.Info().
			Str("position_id", position.PositionID).
			Str("symbol", position.Symbol).
			Float64("pnl", trade.ProfitLoss).
			Float64("pips", trade.ProfitLossPips).
			Msg("Position closed")
	}

	snapshot, err := simClient.getSnapshot(accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch final snapshot")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("FOREX TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:     %d
Closed Positions: %d
Failed Closes:    %d
Realized PnL:     $%.2f
Final Balance:    $%.2f
Final Equity:     $%.2f
Duration:         %v

Symbol Distribution
-------------------
`, stats.TotalOrders, stats.ClosedPositions, stats.FailedCloses,
		stats.RealizedPnL, snapshot.Balance, snapshot.Equity,
		duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range stats.Symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := 0
		if stats.TotalOrders > 0 {
			barLength = int(float64(count) / float64(stats.TotalOrders) * 20)
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("total_orders", stats.TotalOrders).
		Int("closed_positions", stats.ClosedPositions).
		Float64("realized_pnl", stats.RealizedPnL).
		Float64("final_balance", snapshot.Balance).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// placeOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending placed order IDs to ordersChan
func placeOrdersHTTP(workerID, numOrders int, accountID string, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		req := engine.PlaceOrderRequest{
			AccountID: accountID,
			Symbol:    symbols[rand.Intn(len(symbols))],
			Side:      sides[rand.Intn(len(sides))],
			OrderType: types.OrderTypeMarket,
			// Small sizes so a single account survives the whole run
			Quantity: float64(rand.Intn(5)+1) / 100.0,
		}

		orderID, status, err := simClient.placeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", req.Symbol).
				Msg("Failed to place order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Str("status", status).
			Float64("quantity", req.Quantity).
			Msg("Order placed")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}

// startServer initializes and starts the trading API server
// Sets up the price feed, engine, risk manager and routes
func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(auth.DemoAPIKey, auth.DemoAPISecret)

	feed := market.NewSimulatedFeed()
	broadcaster := broadcast.NewBroadcaster(cfg.SubscriberQueueSize)
	accountStore := accounts.NewStore(db)
	positionLedger := ledger.NewLedger(db)
	riskManager := risk.NewManager(risk.Config{
		MarginCallLevel:  cfg.MarginCallLevel,
		LiquidationLevel: cfg.LiquidationLevel,
	}, accountStore, positionLedger, feed, broadcaster)
	orderEngine := engine.NewEngine(db, positionLedger, accountStore, feed, riskManager, broadcaster, engine.Limits{
		MinLotSize:       cfg.MinLotSize,
		MaxLotSize:       cfg.MaxLotSize,
		MaxOpenPositions: cfg.MaxOpenPositions,
		StaleQuoteMaxAge: cfg.StaleQuoteMaxAge,
	})

	if err := orderEngine.LoadPendingOrders(); err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}

	feed.Subscribe(orderEngine.OnQuote)
	go feed.Start(context.Background(), cfg.PriceUpdateInterval)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	accountHandlers := accounts.NewGinHandlers(accountStore, riskManager)
	engineHandlers := engine.NewGinHandlers(orderEngine)
	marketHandlers := market.NewGinHandlers(feed)
	wsHandler := broadcast.NewWSHandler(broadcaster, accountStore)

	// Setup routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, accountHandlers, engineHandlers, marketHandlers, wsHandler, cfg)

	// Start the server
	return router.Run(":" + cfg.Port)
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
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
