package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lastpush.com/pkg/logger"
	"lastpush.com/pkg/xerr"
)

// Response is the JSON envelope of every API answer.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    xerr.OK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string, data interface{}) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Error answers with the code carried by err and, when present, the
// authoritative entity attached to it. Internal errors never leak their cause.
func Error(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := xerr.HTTPStatus(code)
	msg := xerr.MapErrMsg(code)
	if status >= http.StatusInternalServerError && code != xerr.RetryableProvisioning {
		logger.Error(c, "http request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err))
	} else {
		logger.Debug(c, "http request rejected",
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err))
	}
	Fail(c, status, code, msg, xerr.StateOf(err))
}
