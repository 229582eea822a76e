package engine

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/forex-api/internal/auth"
	"github.com/ksred/forex-api/internal/types"
	"github.com/ksred/forex-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order and position endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// PlaceOrderHandler handles POST requests to place new orders on an
// account owned by the authenticated client.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if !h.ownsAccount(c, clientID, req.AccountID) {
			return
		}

		order, err := h.engine.PlaceOrder(req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for a single order.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		order, err := h.engine.db.GetOrder(c.Param("order_id"))
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		if !h.ownsAccount(c, clientID, order.AccountID) {
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for an account's orders.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		accountID := c.Query("account_id")
		if accountID == "" {
			response.BadRequest(c, "account_id query parameter is required")
			return
		}
		if !h.ownsAccount(c, clientID, accountID) {
			return
		}

		orders, err := h.engine.db.OrdersForAccount(accountID)
		response.Handle(c, orders, err)
	}
}

// ModifyOrderHandler handles PUT requests to modify an order's trigger
// price or the stop loss / take profit of its position.
func (h *GinHandlers) ModifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		order, err := h.engine.db.GetOrder(orderID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		if !h.ownsAccount(c, clientID, order.AccountID) {
			return
		}

		var req ModifyOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		updated, err := h.engine.ModifyOrder(orderID, req)
		response.Handle(c, updated, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel pending orders.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		order, err := h.engine.db.GetOrder(orderID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		if !h.ownsAccount(c, clientID, order.AccountID) {
			return
		}

		cancelled, err := h.engine.CancelOrder(orderID)
		response.Handle(c, cancelled, err)
	}
}

// ListPositionsHandler handles GET requests for an account's open
// positions.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		accountID := c.Query("account_id")
		if accountID == "" {
			response.BadRequest(c, "account_id query parameter is required")
			return
		}
		if !h.ownsAccount(c, clientID, accountID) {
			return
		}

		positions, err := h.engine.ledger.OpenPositions(accountID)
		response.Handle(c, positions, err)
	}
}

// ClosePositionHandler handles POST requests to close an open position
// at the current market price.
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		positionID := c.Param("position_id")
		position, err := h.engine.ledger.GetPosition(positionID)
		if err != nil || position == nil {
			response.NotFound(c, "Position not found")
			return
		}
		if !h.ownsAccount(c, clientID, position.AccountID) {
			return
		}

		trade, err := h.engine.ClosePosition(positionID, types.CloseReasonManual)
		response.Handle(c, trade, err)
	}
}

// ListTradesHandler handles GET requests for an account's closed trades.
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		accountID := c.Query("account_id")
		if accountID == "" {
			response.BadRequest(c, "account_id query parameter is required")
			return
		}
		if !h.ownsAccount(c, clientID, accountID) {
			return
		}

		trades, err := h.engine.ledger.TradesForAccount(accountID)
		response.Handle(c, trades, err)
	}
}

// ownsAccount verifies the authenticated client owns the account, writing
// the error response itself when not.
func (h *GinHandlers) ownsAccount(c *gin.Context, clientID, accountID string) bool {
	acct, err := h.engine.accounts.GetAccount(accountID)
	if err != nil || acct == nil {
		response.NotFound(c, "Account not found")
		return false
	}
	if acct.ClientID != clientID {
		response.Forbidden(c, "Not authorized to trade on this account")
		return false
	}
	return true
}

func clientIDFromContext(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetClientID(claims)
}
