package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"lastpush.com/pkg/common"
	"lastpush.com/pkg/xerr"
)

// Health pings the stores the service cannot work without. Redis is optional.
type Health struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func (h *Health) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"db": "ok"}
	healthy := true
	if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["db"] = "down"
		healthy = false
	}
	if h.Redis != nil {
		status["redis"] = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "down"
			healthy = false
		}
	}
	if !healthy {
		common.Fail(c, http.StatusServiceUnavailable, xerr.ServerCommonError, "unhealthy", status)
		return
	}
	common.Success(c, status)
}
