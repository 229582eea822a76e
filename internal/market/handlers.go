package market

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/forex-api/pkg/response"
)

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	feed *SimulatedFeed
}

func NewGinHandlers(feed *SimulatedFeed) *GinHandlers {
	return &GinHandlers{feed: feed}
}

// ListSymbolsHandler handles GET requests for the tradable instruments
// and their contract specifications.
func (h *GinHandlers) ListSymbolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, All())
	}
}

// ListQuotesHandler handles GET requests for the latest quote of every
// symbol.
func (h *GinHandlers) ListQuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.feed.AllQuotes())
	}
}

// GetQuoteHandler handles GET requests for a single symbol's quote.
func (h *GinHandlers) GetQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := h.feed.LatestQuote(c.Param("symbol"))
		response.Handle(c, q, err)
	}
}
