package handler

import (
	"github.com/gin-gonic/gin"

	"lastpush.com/internal/watcher"
	"lastpush.com/pkg/common"
)

// Watcher receives the chain watcher's verdicts over HTTP.
type Watcher struct {
	Ingress *watcher.Ingress
}

type failedReq struct {
	Reason string `json:"reason"`
}

func (h *Watcher) Confirmed(c *gin.Context) {
	in, err := h.Ingress.Confirm(c.Request.Context(), watcher.Verdict{IntentID: c.Param("id")})
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, in)
}

func (h *Watcher) Failed(c *gin.Context) {
	var req failedReq
	// the body is optional
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	in, err := h.Ingress.Fail(c.Request.Context(), watcher.Verdict{IntentID: c.Param("id"), Reason: req.Reason})
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, in)
}
