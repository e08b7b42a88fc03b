package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	"github.com/qutemail/qkms/internal/infrastructure/ratelimit"
	"github.com/qutemail/qkms/pkg/errors"
)

// RateLimit rejects requests over the per-client budget with 429. Clients are
// identified by IP.
func RateLimit(limiter *ratelimit.RedisRateLimiter, metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(errors.HTTPStatusOf(err), errors.ToErrorResponse(err))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))

		if !res.Allowed {
			metrics.RecordRateLimitHit("ip")
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status": "error",
				"error":  "rate limit exceeded",
				"code":   "rate_limited",
			})
			return
		}
		c.Next()
	}
}
