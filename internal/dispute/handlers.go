package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nanba-labs/escrowd/internal/escrow"
	"github.com/nanba-labs/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for dispute voting.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up dispute routes. Disputes are keyed by escrow id.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/votes", h.CastVote)
}

type voteRequest struct {
	Mediator   string `json:"mediator" binding:"required"`
	ForRelease *bool  `json:"forRelease" binding:"required"`
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := disputeID(c)
	if !ok {
		return
	}

	d, err := h.resolver.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	release, refund := d.Tally()
	c.JSON(http.StatusOK, gin.H{
		"dispute":      d,
		"votesRelease": release,
		"votesRefund":  refund,
		"quorum":       QuorumVotes,
	})
}

// CastVote handles POST /v1/disputes/:id/votes
func (h *Handler) CastVote(c *gin.Context) {
	id, ok := disputeID(c)
	if !ok {
		return
	}

	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "mediator and forRelease are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("mediator", req.Mediator),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.resolver.Vote(c.Request.Context(), id, req.Mediator, *req.ForRelease)
	if err != nil {
		respondError(c, err)
		return
	}

	release, refund := d.Tally()
	c.JSON(http.StatusOK, gin.H{
		"dispute":      d,
		"votesRelease": release,
		"votesRefund":  refund,
		"resolved":     d.Resolved,
	})
}

func disputeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote", "message": err.Error()})
	case errors.Is(err, ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_eligible", "message": err.Error()})
	case errors.Is(err, escrow.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": "A settlement step is in flight"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
