package accounts

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/forex-api/internal/auth"
	"github.com/ksred/forex-api/internal/types"
	"github.com/ksred/forex-api/pkg/response"
)

// MetricsProvider supplies live derived figures for an account. The risk
// manager implements this.
type MetricsProvider interface {
	Metrics(accountID string) (types.AccountMetrics, error)
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	store   *Store
	metrics MetricsProvider
}

func NewGinHandlers(store *Store, metrics MetricsProvider) *GinHandlers {
	return &GinHandlers{store: store, metrics: metrics}
}

type createAccountRequest struct {
	Currency string  `json:"currency"`
	Leverage int     `json:"leverage"`
	Balance  float64 `json:"balance"`
}

// CreateAccountHandler handles POST requests to open a trading account
// for the authenticated client.
func (h *GinHandlers) CreateAccountHandler(defaultLeverage int, defaultBalance float64) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req createAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Currency == "" {
			req.Currency = "USD"
		}
		if req.Leverage <= 0 {
			req.Leverage = defaultLeverage
		}
		if req.Balance <= 0 {
			req.Balance = defaultBalance
		}

		acct, err := h.store.CreateAccount(clientID, req.Currency, req.Leverage, req.Balance)
		response.Handle(c, acct, err)
	}
}

// ListAccountsHandler handles GET requests for the client's accounts.
func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		accts, err := h.store.GetAccountsByClientID(clientID)
		response.Handle(c, accts, err)
	}
}

// SnapshotHandler handles GET requests for a live account snapshot:
// balance, equity, used/free margin and margin level, recomputed from the
// latest quotes on every call.
func (h *GinHandlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFromContext(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		accountID := c.Param("account_id")
		acct, err := h.store.GetAccount(accountID)
		if err != nil || acct == nil {
			response.NotFound(c, "Account not found")
			return
		}
		if acct.ClientID != clientID {
			response.Forbidden(c, "Not authorized to access this account")
			return
		}

		metrics, err := h.metrics.Metrics(accountID)
		response.Handle(c, metrics, err)
	}
}

func clientIDFromContext(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetClientID(claims)
}
