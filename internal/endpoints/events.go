package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexa946/downloader-video/internal/orchestrator"
	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

// HandleDownloadEvents streams status blocks over SSE: one synchronous
// snapshot, then every published mutation until a terminal status or the
// client disconnects.
func HandleDownloadEvents(o *orchestrator.Orchestrator, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		// Subscribe before the snapshot read so no mutation between the
		// two is lost.
		sub := st.Subscribe(ctx, id)
		defer sub.Close()

		t, err := o.GetStatus(ctx, id)
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load task"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)

		if closed := writeEvent(c, t.StatusBlock()); closed {
			return
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var block task.StatusBlock
				if err := json.Unmarshal([]byte(msg.Payload), &block); err != nil {
					slog.Warn("Undecodable event payload", "task_id", id, "error", err)
					continue
				}
				if closed := writeEvent(c, block); closed {
					return
				}
			}
		}
	}
}

// writeEvent sends one SSE frame and reports whether the stream is over.
func writeEvent(c *gin.Context, block task.StatusBlock) bool {
	payload, err := json.Marshal(block)
	if err != nil {
		slog.Error("Failed to encode status block", "task_id", block.TaskID, "error", err)
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return true
	}
	c.Writer.Flush()
	return block.Status.Terminal()
}
