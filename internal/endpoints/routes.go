package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexa946/downloader-video/internal/orchestrator"
	"github.com/lexa946/downloader-video/internal/store"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, o *orchestrator.Orchestrator, st *store.Store) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/user/:uuid/history", HandleUserHistory(st))

	api := r.Group("/api")
	{
		// Health check endpoint
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"service": "downloader-video",
			})
		})

		api.POST("/get-formats", HandleGetFormats(o))
		api.POST("/start-download", HandleStartDownload(o))
		api.GET("/download-status/:id", HandleDownloadStatus(o))
		api.GET("/download-events/:id", HandleDownloadEvents(o, st))
		api.POST("/cancel/:id", HandleCancel(o))
		api.GET("/get-video/:id", HandleGetVideo(o, st))
	}
}
