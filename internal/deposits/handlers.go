package deposits

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kudupay/kudu/internal/auth"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Handler provides HTTP endpoints for the EFT deposit lifecycle.
type Handler struct {
	service *Service

	// allowTopup mounts the direct credit route; disabled in production.
	allowTopup bool
}

// NewHandler creates a deposit handler.
func NewHandler(service *Service, allowTopup bool) *Handler {
	return &Handler{service: service, allowTopup: allowTopup}
}

// RegisterSponsorRoutes sets up the sponsor-facing deposit routes.
func (h *Handler) RegisterSponsorRoutes(r *gin.RouterGroup) {
	self := auth.RequireSelf(auth.RoleSponsor, "id")
	r.POST("/sponsors/:id/eft-deposits/reference", self, h.GenerateReference)
	r.POST("/sponsors/:id/eft-deposits", self, h.Submit)
	r.GET("/sponsors/:id/eft-deposits", self, h.List)
	r.GET("/sponsors/:id/credits/summary", self, h.Summary)
	if h.allowTopup {
		r.POST("/sponsors/:id/credits/topup", self, h.Topup)
	}
}

// RegisterAdminRoutes sets up the admin deposit routes. The group is
// expected to carry the admin role guard already.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/eft-deposits", h.AdminList)
	r.POST("/admin/eft-deposits/:id/approve", h.Approve)
	r.POST("/admin/eft-deposits/:id/reject", h.Reject)
}

// GenerateReference handles POST /sponsors/:id/eft-deposits/reference
func (h *Handler) GenerateReference(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"reference": h.service.GenerateReference(c.Param("id")),
	})
}

// Submit handles POST /sponsors/:id/eft-deposits
func (h *Handler) Submit(c *gin.Context) {
	var req struct {
		AmountCents    int64  `json:"amount_cents"`
		Reference      string `json:"reference"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	d, err := h.service.Submit(c.Request.Context(), c.Param("id"), req.AmountCents, req.Reference, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deposit": d})
}

// List handles GET /sponsors/:id/eft-deposits
func (h *Handler) List(c *gin.Context) {
	page, err := h.service.ListSponsor(c.Request.Context(), c.Param("id"),
		c.Query("status"), pagination.ParseLimit(c.Query("limit")), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Summary handles GET /sponsors/:id/credits/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Topup handles POST /sponsors/:id/credits/topup
func (h *Handler) Topup(c *gin.Context) {
	var req struct {
		AmountCents    int64  `json:"amount_cents"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	sum, err := h.service.Topup(c.Request.Context(), c.Param("id"), req.AmountCents, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// AdminList handles GET /admin/eft-deposits
func (h *Handler) AdminList(c *gin.Context) {
	page, err := h.service.ListAdmin(c.Request.Context(),
		c.Query("status"), pagination.ParseLimit(c.Query("limit")), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Approve handles POST /admin/eft-deposits/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req struct {
		ApprovedAmountCents int64  `json:"approved_amount_cents"`
		IdempotencyKey      string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	admin, _ := auth.Get(c)
	result, err := h.service.Approve(c.Request.Context(), admin.ID, c.Param("id"), req.ApprovedAmountCents, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Reject handles POST /admin/eft-deposits/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req struct {
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	admin, _ := auth.Get(c)
	d, err := h.service.Reject(c.Request.Context(), admin.ID, c.Param("id"), req.Reason, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": d})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrAlreadyApproved), errors.Is(err, ErrAlreadyRejected),
		errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case store.IsConditionFailed(err):
		status, code = http.StatusConflict, "conflict"
	case store.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
