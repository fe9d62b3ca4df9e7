package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"lastpush.com/internal/deposit"
	"lastpush.com/pkg/common"
)

type Deposit struct {
	Tracker *deposit.Tracker
}

type openIntentReq struct {
	ChainID int64           `json:"chain_id" binding:"required"`
	Token   string          `json:"token" binding:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *Deposit) Open(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	var req openIntentReq
	if !bind(c, &req) {
		return
	}
	in, err := h.Tracker.OpenIntent(c.Request.Context(), accountID, req.ChainID, req.Token, req.Amount)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, in)
}

func (h *Deposit) ListOpen(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	rows, err := h.Tracker.ListOpen(c.Request.Context(), accountID)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, rows)
}

// Supported lists the chain/token pairs deposits can be opened for.
func (h *Deposit) Supported(c *gin.Context) {
	common.Success(c, h.Tracker.Matrix().Chains())
}

func (h *Deposit) owned(c *gin.Context) (*deposit.Intent, bool) {
	accountID, ok := account(c)
	if !ok {
		return nil, false
	}
	in, err := h.Tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Error(c, err)
		return nil, false
	}
	if in.AccountID != accountID {
		notYours(c, "deposit intent")
		return nil, false
	}
	return in, true
}

func (h *Deposit) Get(c *gin.Context) {
	in, ok := h.owned(c)
	if !ok {
		return
	}
	common.Success(c, in)
}

type confirmReq struct {
	TxHash      string              `json:"tx_hash" binding:"required"`
	Attestation deposit.Attestation `json:"attestation"`
}

func (h *Deposit) Confirm(c *gin.Context) {
	in, ok := h.owned(c)
	if !ok {
		return
	}
	var req confirmReq
	if !bind(c, &req) {
		return
	}
	in, err := h.Tracker.SubmitConfirmation(c.Request.Context(), in.ID, req.TxHash, req.Attestation)
	if err != nil {
		common.Error(c, err)
		return
	}
	common.Success(c, in)
}
