package endpoints

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lexa946/downloader-video/internal/metrics"
	"github.com/lexa946/downloader-video/internal/orchestrator"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

const deliveryChunkSize = 1 << 20

// HandleGetVideo streams the finished file to the client. On a clean
// transfer the file is removed and the task retired to done; an
// interrupted transfer leaves both untouched.
func HandleGetVideo(o *orchestrator.Orchestrator, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		t, err := o.GetStatus(ctx, id)
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load task"})
			return
		}
		if t.Status == task.StatusPending {
			c.JSON(http.StatusNotAcceptable, gin.H{"error": "Download is not finished yet"})
			return
		}
		if t.Filepath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}

		file, err := os.Open(t.Filepath)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
			return
		}

		c.Header("Content-Type", "application/octet-stream")
		c.Header("Content-Disposition", contentDisposition(attachmentName(t)))
		c.Header("Content-Length", strconv.FormatInt(info.Size(), 10))
		c.Status(http.StatusOK)

		written, err := io.CopyBuffer(c.Writer, file, make([]byte, deliveryChunkSize))
		metrics.DeliveredBytes.Add(float64(written))
		if err != nil || written != info.Size() {
			slog.Warn("Delivery interrupted", "task_id", id, "written", written, "size", info.Size(), "error", err)
			return
		}

		if err := os.Remove(t.Filepath); err != nil {
			slog.Warn("Failed to remove delivered file", "filepath", t.Filepath, "error", err)
		}
		if t.Status == task.StatusCompleted {
			t.Done()
			if err := st.PutTask(ctx, t); err != nil {
				slog.Warn("Failed to retire delivered task", "task_id", id, "error", err)
			}
		}
		slog.Info("File delivered", "task_id", id, "bytes", written)
	}
}

// attachmentName prefers the resolved title over the on-disk name.
func attachmentName(t *task.Task) string {
	ext := filepath.Ext(t.Filepath)
	if t.Media != nil && t.Media.Title != "" {
		return t.Media.Title + ext
	}
	return filepath.Base(t.Filepath)
}

// contentDisposition keeps Unicode names via RFC 5987 while offering an
// ASCII fallback for clients that ignore filename*.
func contentDisposition(name string) string {
	fallback := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 0x20 && r < 0x7f && r != '"' && r != '\\':
			fallback = append(fallback, r)
		default:
			fallback = append(fallback, '_')
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		string(fallback), url.PathEscape(name))
}
