package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qutemail/qkms/pkg/constants"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	pingDB func(context.Context) error
}

// NewHealthHandler creates a HealthHandler. pingDB may be nil when the
// service runs without persistence.
func NewHealthHandler(pingDB func(context.Context) error) *HealthHandler {
	return &HealthHandler{pingDB: pingDB}
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": constants.ServiceName,
		"version": constants.ServiceVersion,
	})
}

// Ready handles GET /health/ready. Readiness requires the database.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.pingDB != nil {
		if err := h.pingDB(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"reason": "database unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
