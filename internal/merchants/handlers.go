package merchants

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/store"
)

// Handler provides HTTP endpoints for merchant lookup and seeding.
type Handler struct {
	service *Service
}

// NewHandler creates a merchant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up the unauthenticated merchant lookup.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup, rateLimited gin.HandlerFunc) {
	r.GET("/merchants/:id", rateLimited, h.Lookup)
}

// RegisterAdminRoutes sets up merchant seeding. The group is expected to
// carry the admin role guard already.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/merchants", h.Seed)
}

// Lookup handles GET /merchants/:id. The public view omits balances.
func (h *Handler) Lookup(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchant": gin.H{
		"id":       m.ID,
		"name":     m.Name,
		"category": m.Category,
		"status":   m.Status,
		"active":   m.Active,
	}})
}

// Seed handles POST /admin/merchants
func (h *Handler) Seed(c *gin.Context) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Category string `json:"category"`
		Status   string `json:"status"`
		Active   bool   `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}
	if req.Status == "" {
		req.Status = StatusApproved
	}

	m, err := h.service.Seed(c.Request.Context(), Merchant{
		ID:       req.ID,
		Name:     req.Name,
		Category: req.Category,
		Status:   req.Status,
		Active:   req.Active,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchant": m})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, categories.ErrUnknownCategory):
		status, code = http.StatusBadRequest, "bad_request"
	case store.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
