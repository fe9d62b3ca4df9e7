// Package router maps the API paths onto handlers.
package router

import (
	"github.com/gin-gonic/gin"

	"lastpush.com/internal/httpapi/handler"
)

func Billing(api *gin.RouterGroup, h *handler.Billing) {
	billing := api.Group("/billing")
	{
		billing.GET("/balance", h.Balance)
		billing.GET("/entries", h.Entries)
	}
}

func Orders(api *gin.RouterGroup, h *handler.Order) {
	orders := api.Group("/orders")
	{
		orders.POST("", h.Create)
		orders.GET("", h.List)
		orders.GET("/:id", h.Get)
		orders.POST("/:id/pay/balance", h.PayWithBalance)
		orders.POST("/:id/pay/deposit", h.PayWithDeposit)
		orders.POST("/:id/check", h.Check)
	}
}

func Deposits(api *gin.RouterGroup, h *handler.Deposit) {
	deposits := api.Group("/deposits")
	{
		deposits.POST("", h.Open)
		deposits.GET("", h.ListOpen)
		deposits.GET("/supported", h.Supported)
		deposits.GET("/:id", h.Get)
		deposits.POST("/:id/confirm", h.Confirm)
	}
}

// Internal is reachable by the chain watcher and operators only.
func Internal(internal *gin.RouterGroup, w *handler.Watcher, b *handler.Billing) {
	internal.POST("/deposits/:id/confirmed", w.Confirmed)
	internal.POST("/deposits/:id/failed", w.Failed)
	internal.POST("/accounts/credit", b.Credit)
}
