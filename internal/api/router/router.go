package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quangdm/mediaq-be/internal/api/handler"
	"github.com/quangdm/mediaq-be/internal/metrics"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, metricsPath string) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "mediaq-api-service",
		})
	})

	if metricsPath != "" {
		r.GET(metricsPath, gin.WrapH(metrics.Handler()))
	}

	transferHandler := handler.NewTransferHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		transfers := v1.Group("/transfers")
		{
			// POST /api/v1/transfers - Enqueue a new transfer job
			transfers.POST("", transferHandler.CreateTransfer)

			// GET /api/v1/transfers/status - Queue snapshots
			transfers.GET("/status", transferHandler.QueueStatus)

			// GET|POST /api/v1/transfers/transfer-status - Aggregate job states
			transfers.GET("/transfer-status", transferHandler.TransferStatus)
			transfers.POST("/transfer-status", transferHandler.TransferStatus)
		}

		// GET /api/v1/projects/:project_id/events - SSE stream
		v1.GET("/projects/:project_id/events", eventHandler.Stream)
	}

	return r
}
