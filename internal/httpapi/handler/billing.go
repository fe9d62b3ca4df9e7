package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"lastpush.com/internal/ledger"
	"lastpush.com/pkg/common"
	"lastpush.com/pkg/xerr"
)

type Billing struct {
	Ledger *ledger.Ledger
}

type balanceResp struct {
	AccountID int64  `json:"account_id"`
	Balance   string `json:"balance"`
}

func (h *Billing) Balance(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	bal, err := h.Ledger.Balance(c.Request.Context(), accountID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, balanceResp{AccountID: accountID, Balance: bal.StringFixed(ledger.Scale)})
}

func (h *Billing) Entries(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	page, limit := pageParams(c)
	rows, total, err := h.Ledger.Entries(c.Request.Context(), accountID, page, limit)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, Page{List: rows, Total: total, Page: page, Limit: limit})
}

type creditReq struct {
	AccountID   int64           `json:"account_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id" binding:"required"`
}

// Credit is the operator's manual top-up.
func (h *Billing) Credit(c *gin.Context) {
	var req creditReq
	if !bind(c, &req) {
		return
	}
	if req.AccountID <= 0 {
		common.Error(c, xerr.New(xerr.RequestParamsError, "account_id must be positive"))
		return
	}
	e, err := h.Ledger.ManualCredit(c.Request.Context(), req.AccountID, req.Amount, req.ReferenceID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, e)
}
