package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lastpush.com/pkg/common"
	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/metrics"
	"lastpush.com/pkg/ratelimit"
)

const codeTooManyRequests = 429

func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !store.Allow(c.ClientIP() + ":" + route) {
			// expected rejection, no stack
			logger.Warn(c, "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitBlockTotal.WithLabelValues(route).Inc()
			common.Fail(c, http.StatusTooManyRequests, codeTooManyRequests, "too many requests", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
