package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"lastpush.com/internal/order"
	"lastpush.com/internal/provision"
	"lastpush.com/pkg/common"
)

type Order struct {
	Engine    *order.Engine
	Provision *provision.Coordinator
}

type createOrderReq struct {
	Domain string          `json:"domain" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Type   order.Type      `json:"type"`
	Years  int             `json:"years"`
}

func (h *Order) Create(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	var req createOrderReq
	if !bind(c, &req) {
		return
	}
	var opts []order.CreateOption
	if req.Type != "" {
		opts = append(opts, order.WithType(req.Type))
	}
	if req.Years != 0 {
		opts = append(opts, order.WithYears(req.Years))
	}
	o, err := h.Engine.CreateOrder(c.Request.Context(), accountID, req.Domain, req.Amount, opts...)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, o)
}

func (h *Order) List(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	page, limit := pageParams(c)
	rows, total, err := h.Engine.List(c.Request.Context(), accountID, page, limit)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, Page{List: rows, Total: total, Page: page, Limit: limit})
}

// owned loads the order in the path and checks it belongs to the caller.
func (h *Order) owned(c *gin.Context) (*order.Order, bool) {
	accountID, ok := account(c)
	if !ok {
		return nil, false
	}
	o, err := h.Engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Error(c, err)
		return nil, false
	}
	if o.AccountID != accountID {
		notYours(c, "order")
		return nil, false
	}
	return o, true
}

// Get returns the order with its provisioning timeline.
func (h *Order) Get(c *gin.Context) {
	o, ok := h.owned(c)
	if !ok {
		return
	}
	st, err := h.Provision.Status(c.Request.Context(), o.ID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, st)
}

func (h *Order) PayWithBalance(c *gin.Context) {
	o, ok := h.owned(c)
	if !ok {
		return
	}
	o, err := h.Engine.PayWithBalance(c.Request.Context(), o.ID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, o)
}

type payDepositReq struct {
	IntentID string `json:"intent_id" binding:"required"`
}

func (h *Order) PayWithDeposit(c *gin.Context) {
	o, ok := h.owned(c)
	if !ok {
		return
	}
	var req payDepositReq
	if !bind(c, &req) {
		return
	}
	o, err := h.Engine.PayWithDeposit(c.Request.Context(), o.ID, req.IntentID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, o)
}

// Check settles a finished deposit payment, runs the next provisioning step
// and answers with the resulting status.
func (h *Order) Check(c *gin.Context) {
	o, ok := h.owned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Engine.Refresh(ctx, o.ID); err != nil {
		common.Error(c, err)
		return
	}
	st, err := h.Provision.Advance(ctx, o.ID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, st)
}
