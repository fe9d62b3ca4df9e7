// Package handler holds the gin handlers of the order service API.
package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"lastpush.com/pkg/common"
	"lastpush.com/pkg/orm"
	"lastpush.com/pkg/xerr"
)

// Page is the envelope data of list endpoints.
type Page struct {
	List  interface{} `json:"list"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > orm.MaxPageSize {
		limit = orm.MaxPageSize
	}
	return page, limit
}

// account returns the caller's account id; the auth middleware guarantees it.
func account(c *gin.Context) (int64, bool) {
	id, ok := common.AccountIDFromGin(c)
	if !ok {
		common.Error(c, xerr.New(xerr.Unauthorized, "no account"))
	}
	return id, ok
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		common.Error(c, xerr.Wrap(err, xerr.RequestParamsError, "invalid request body"))
		return false
	}
	return true
}

// notYours hides other accounts' records behind a 404.
func notYours(c *gin.Context, what string) {
	common.Error(c, xerr.New(xerr.RecordNotFound, what+" not found"))
}
