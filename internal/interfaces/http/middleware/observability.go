// Package middleware provides the cross-cutting HTTP middleware: request
// observability, rate limiting, and optional bearer-token authentication.
package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/pkg/constants"
	"github.com/qutemail/qkms/pkg/logger"
)

// Observability assigns a request id, records per-route metrics, and logs
// each request on completion.
func Observability(log logger.Logger, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)

		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyRequestID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(status), duration)

		fields := logger.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if status >= 500 {
			log.Error(ctx, "request failed", nil, fields)
		} else {
			log.Info(ctx, "request completed", fields)
		}
	}
}
