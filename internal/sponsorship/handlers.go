package sponsorship

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kudupay/kudu/internal/auth"
	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Handler provides HTTP endpoints for linking and allocation.
type Handler struct {
	service *Service
}

// NewHandler creates a sponsorship handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the sponsor-facing sponsorship routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	self := auth.RequireSelf(auth.RoleSponsor, "id")
	r.POST("/sponsors/:id/students", self, h.Link)
	r.POST("/sponsors/:id/students/:studentId/budgets", self, h.Allocate)
	r.POST("/sponsors/:id/students/:studentId/budgets/reverse", self, h.Reverse)
	r.GET("/sponsors/:id/students/:studentId/budgets", self, h.PairBudgets)
	r.GET("/sponsors/:id/students/:studentId/ledger", self, h.PairLedger)
}

// Link handles POST /sponsors/:id/students
func (h *Handler) Link(c *gin.Context) {
	var req struct {
		StudentID    string `json:"student_id"`
		StudentEmail string `json:"student_email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	result, err := h.service.Link(c.Request.Context(), c.Param("id"), req.StudentID, req.StudentEmail)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyLinked {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Allocate handles POST /sponsors/:id/students/:studentId/budgets
func (h *Handler) Allocate(c *gin.Context) {
	var req struct {
		Entries        []Entry `json:"entries"`
		IdempotencyKey string  `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	result, err := h.service.Allocate(c.Request.Context(), c.Param("id"), c.Param("studentId"), req.Entries, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Reverse handles POST /sponsors/:id/students/:studentId/budgets/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req struct {
		Entries        []Entry `json:"entries"`
		IdempotencyKey string  `json:"idempotency_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	result, err := h.service.Reverse(c.Request.Context(), c.Param("id"), c.Param("studentId"), req.Entries, req.IdempotencyKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PairBudgets handles GET /sponsors/:id/students/:studentId/budgets
func (h *Handler) PairBudgets(c *gin.Context) {
	rows, err := h.service.PairBudgets(c.Request.Context(), c.Param("id"), c.Param("studentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"budgets": rows})
}

// PairLedger handles GET /sponsors/:id/students/:studentId/ledger
func (h *Handler) PairLedger(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	entries, last, err := h.service.PairLedger(c.Request.Context(), c.Param("id"), c.Param("studentId"),
		pagination.ParseLimit(c.Query("limit")), cursor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"next_cursor": pagination.Encode(last),
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrLinkNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrStudentRequired), errors.Is(err, ErrEmptyEntries),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, categories.ErrUnknownCategory),
		errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrInsufficientCredits):
		status, code = http.StatusConflict, "insufficient_credits"
	case store.IsConditionFailed(err):
		status, code = http.StatusConflict, "conflict"
	case store.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
