package endpoints

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexa946/downloader-video/internal/orchestrator"
	"github.com/lexa946/downloader-video/internal/provider"
	"github.com/lexa946/downloader-video/internal/task"
)

// FormatsRequest asks for the selectable variants of a source URL.
type FormatsRequest struct {
	URL string `json:"url" binding:"required"`
}

// StartRequest is the public wire format for creating a download task.
type StartRequest struct {
	URL            string   `json:"url" binding:"required"`
	VideoVariantID string   `json:"video_variant_id"`
	AudioVariantID string   `json:"audio_variant_id"`
	StartSeconds   *float64 `json:"start_seconds"`
	EndSeconds     *float64 `json:"end_seconds"`
}

// HandleGetFormats resolves the media snapshot for a URL.
func HandleGetFormats(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FormatsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}

		media, err := o.GetFormats(c.Request.Context(), req.URL)
		if err != nil {
			slog.Warn("Format resolution failed", "url", req.URL, "error", err)
			c.JSON(http.StatusNotFound, gin.H{"error": "No formats"})
			return
		}
		c.JSON(http.StatusOK, media)
	}
}

// HandleStartDownload admits a new task and returns its status block.
func HandleStartDownload(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}

		user := ensureUser(c)
		t, err := o.StartDownload(c.Request.Context(), user, &task.Request{
			URL:           req.URL,
			VideoFormatID: req.VideoVariantID,
			AudioFormatID: req.AudioVariantID,
			StartSeconds:  req.StartSeconds,
			EndSeconds:    req.EndSeconds,
		})
		switch {
		case errors.Is(err, orchestrator.ErrActiveTask):
			c.JSON(http.StatusConflict, gin.H{"error": "You already have an active download"})
			return
		case errors.Is(err, provider.ErrUnsupportedURL):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported url"})
			return
		case err != nil:
			slog.Error("Failed to start download", "url", req.URL, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start download"})
			return
		}
		c.JSON(http.StatusOK, t.StatusBlock())
	}
}

// HandleDownloadStatus returns the current status block for polling.
func HandleDownloadStatus(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := o.GetStatus(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load task"})
			return
		}
		c.JSON(http.StatusOK, t.StatusBlock())
	}
}

// HandleCancel requests cancellation of a running task.
func HandleCancel(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := o.CancelDownload(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel task"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
