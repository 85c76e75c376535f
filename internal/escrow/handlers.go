package escrow

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nanba-labs/escrowd/internal/asset"
	"github.com/nanba-labs/escrowd/internal/pagination"
	"github.com/nanba-labs/escrowd/internal/settlement"
	"github.com/nanba-labs/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/accept", h.AcceptEscrow)
	r.POST("/escrows/:id/deliver", h.DeliverService)
	r.POST("/escrows/:id/confirm", h.ConfirmAndRelease)
	r.POST("/escrows/:id/dispute", h.InitiateDispute)
	r.GET("/agents/:address/escrows", h.ListEscrows)
}

type callerRequest struct {
	Caller string `json:"caller" binding:"required"`
}

type deliverRequest struct {
	Caller    string `json:"caller" binding:"required"`
	ProofHash string `json:"proofHash"`
}

type disputeRequest struct {
	Caller string `json:"caller" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("initiator", req.Initiator),
		validation.ValidAddress("counterparty", req.Counterparty),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidChain("sourceChain", req.SourceChain),
		validation.ValidChain("targetChain", req.TargetChain),
		validation.MaxLength("serviceDescription", req.ServiceDescription, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	units, ok := asset.ParsePositive(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a positive decimal amount",
		})
		return
	}

	req.ServiceDescription = validation.SanitizeString(req.ServiceDescription, validation.MaxDescriptionLength)

	e, err := h.service.Create(c.Request.Context(), req, units.String())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, snapshot(e))
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot(e))
}

// AcceptEscrow handles POST /v1/escrows/:id/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "caller is required"})
		return
	}

	e, err := h.service.Accept(c.Request.Context(), id, req.Caller)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot(e))
}

// DeliverService handles POST /v1/escrows/:id/deliver
func (h *Handler) DeliverService(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "caller is required"})
		return
	}
	if req.ProofHash != "" && !validation.IsValidHex(req.ProofHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "proofHash must be hex"})
		return
	}

	e, err := h.service.Deliver(c.Request.Context(), id, req.Caller, req.ProofHash)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot(e))
}

// ConfirmAndRelease handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmAndRelease(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "caller is required"})
		return
	}

	e, err := h.service.Confirm(c.Request.Context(), id, req.Caller)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot(e))
}

// InitiateDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) InitiateDispute(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "caller and reason are required"})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxDescriptionLength)
	e, err := h.service.Dispute(c.Request.Context(), id, req.Caller, reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot(e))
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	// Fetch one extra row to detect whether another page exists.
	escrows, err := h.service.ListByAgent(c.Request.Context(), address, limit+1,
		WithCursor(c.Query("cursor")))
	if err != nil {
		respondError(c, err)
		return
	}

	escrows, nextCursor, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, strconv.FormatInt(e.ID, 10)
	})

	items := make([]gin.H, 0, len(escrows))
	for _, e := range escrows {
		item := snapshot(e)
		item["otherParty"] = e.OtherParty(address)
		items = append(items, item)
	}

	resp := gin.H{
		"agent":   strings.ToLower(address),
		"escrows": items,
		"count":   len(items),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// snapshot is the wire shape of an escrow: the record plus the
// human-oriented next-step hint and display amount.
func snapshot(e *Escrow) gin.H {
	out := gin.H{
		"escrow":   e,
		"nextStep": e.NextStep(),
	}
	if units, ok := new(big.Int).SetString(e.Amount, 10); ok {
		out["amountDisplay"] = asset.Format(units)
	}
	return out
}

// escrowID parses the :id path parameter.
func escrowID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Caller is not the required party"})
	case errors.Is(err, ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": "A settlement step is in flight, try again shortly"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Escrow changed concurrently, retry"})
	case errors.Is(err, ErrDeadlineExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "deadline_exceeded", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrSameParty), errors.Is(err, ErrSameChain),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrBadDeadline):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, settlement.ErrAsymmetricRefund):
		c.JSON(http.StatusConflict, gin.H{"error": "asymmetric_refund_risk", "message": err.Error()})
	case errors.Is(err, settlement.ErrStuck):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement_stuck", "message": "Settlement parked for manual intervention"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
