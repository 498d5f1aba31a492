package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter wires the HTTP adapter. gatherer backs /metrics.
func SetupRouter(h *Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.POST("/deposit", h.Deposit)
			account.GET("/balance", h.GetBalance)
			account.GET("/entries", h.ListEntries)
		}

		transfer := api.Group("/transfer")
		{
			transfer.POST("/submit", h.SubmitTransfer)
			transfer.GET("/status", h.GetJobStatus)
			transfer.POST("/cancel", h.CancelTransfer)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
