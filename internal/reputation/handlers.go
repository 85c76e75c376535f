package reputation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reputation queries.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new reputation handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public reputation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:address/reputation", h.GetReputation)
	r.GET("/mediators", h.ListMediators)
}

// GetReputation handles GET /v1/agents/:address/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	address := c.Param("address")

	agent, err := h.ledger.Get(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":          agent.Address,
		"score":            agent.Score,
		"transactionCount": agent.TransactionCount,
		"trusted":          agent.Trusted(),
		"mediatorEligible": agent.MediatorEligible(),
	})
}

// ListMediators handles GET /v1/mediators
func (h *Handler) ListMediators(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	pool, err := h.ledger.EligiblePool(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mediators": pool,
		"count":     len(pool),
	})
}
