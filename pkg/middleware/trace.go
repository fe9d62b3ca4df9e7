package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/trace"
)

// TraceId copies the span's trace id to where the logger looks for it. It
// must run after otelgin.
func TraceId() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tid := trace.TraceID(c.Request.Context()); tid != "" {
			c.Set(logger.TraceIdKey, tid)
			//nolint:staticcheck
			ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, tid)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
