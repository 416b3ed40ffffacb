package transactions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kudupay/kudu/internal/auth"
	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/merchants"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Handler provides HTTP endpoints for the spend engine.
type Handler struct {
	service *Service
}

// NewHandler creates a transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterStudentRoutes sets up the student-facing spend routes.
// rateLimited wraps the quota-sensitive endpoints.
func (h *Handler) RegisterStudentRoutes(r *gin.RouterGroup, rateLimited gin.HandlerFunc) {
	self := auth.RequireSelf(auth.RoleStudent, "id")
	r.POST("/students/:id/transactions/prepare", rateLimited, self, h.Prepare)
	r.POST("/students/:id/transactions/:txId/confirm", rateLimited, self, h.Confirm)
	r.GET("/students/:id/balance", self, h.Balance)
	r.GET("/students/:id/budgets", self, h.Budgets)
	r.GET("/students/:id/transactions", rateLimited, self, h.History)
}

// RegisterMerchantRoutes sets up the merchant refund route.
func (h *Handler) RegisterMerchantRoutes(r *gin.RouterGroup) {
	r.POST("/merchants/refund/:txId", auth.RequireRole(auth.RoleMerchant), h.Refund)
}

// Prepare handles POST /students/:id/transactions/prepare
func (h *Handler) Prepare(c *gin.Context) {
	var req struct {
		MerchantID     string `json:"merchant_id"`
		Category       string `json:"category"`
		AmountCents    int64  `json:"amount_cents"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	tx, err := h.service.Prepare(c.Request.Context(), c.Param("id"), req.MerchantID, req.Category, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// Confirm handles POST /students/:id/transactions/:txId/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	// Body is optional on confirm.
	_ = c.ShouldBindJSON(&req)

	tx, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.Param("txId"), req.IdempotencyKey)
	if errors.Is(err, ErrReconfirmRequired) {
		c.JSON(http.StatusConflict, gin.H{
			"error":              "reconfirm_required",
			"message":            err.Error(),
			"reconfirm_required": true,
			"transaction":        tx,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Refund handles POST /merchants/refund/:txId. The merchant id is the
// token subject; a merchant can only refund its own transactions.
func (h *Handler) Refund(c *gin.Context) {
	var req struct {
		AmountCents    int64  `json:"amount_cents"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	merchant, _ := auth.Get(c)
	tx, err := h.service.Refund(c.Request.Context(), merchant.ID, c.Param("txId"), req.AmountCents, req.Reason, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Balance handles GET /students/:id/balance
func (h *Handler) Balance(c *gin.Context) {
	b, err := h.service.StudentBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Budgets handles GET /students/:id/budgets
func (h *Handler) Budgets(c *gin.Context) {
	v, err := h.service.StudentBudgets(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// History handles GET /students/:id/transactions
func (h *Handler) History(c *gin.Context) {
	page, err := h.service.History(c.Request.Context(), c.Param("id"),
		pagination.ParseLimit(c.Query("limit")), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTxNotFound), errors.Is(err, merchants.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrCategoryRequired),
		errors.Is(err, ErrCategoryMismatch), errors.Is(err, ErrRefundExceedsSpend),
		errors.Is(err, merchants.ErrNotApproved), errors.Is(err, merchants.ErrInactive),
		errors.Is(err, categories.ErrUnknownCategory), errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyRefunded):
		status, code = http.StatusConflict, "conflict"
	case store.IsConditionFailed(err):
		status, code = http.StatusConflict, "conflict"
	case store.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
