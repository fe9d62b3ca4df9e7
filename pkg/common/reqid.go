package common

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lastpush.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = logger.RequestIdKey
	CtxKeyAccountID = "account_id"
)

func NewRequestID() string { return uuid.NewString() }

func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(CtxKeyRequestID)
}

// AccountIDFromGin returns the account the bearer credential was issued for.
func AccountIDFromGin(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxKeyAccountID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}
