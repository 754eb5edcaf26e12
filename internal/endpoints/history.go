package endpoints

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lexa946/downloader-video/internal/store"
	"github.com/lexa946/downloader-video/internal/task"
)

// HistoryResponse lists the user's recent tasks, newest first.
type HistoryResponse struct {
	History []task.StatusBlock `json:"history"`
}

// HandleUserHistory returns the recent status blocks for a user. Ids
// whose record has disappeared are dropped from the list on the way.
func HandleUserHistory(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.Param("uuid")
		if _, err := uuid.Parse(user); err != nil && user != store.AnonymousUser {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}

		ctx := c.Request.Context()
		ids, err := st.UserTasks(ctx, user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
			return
		}

		history := make([]task.StatusBlock, 0, len(ids))
		for _, id := range ids {
			t, err := st.GetTask(ctx, id)
			if err != nil {
				slog.Warn("Failed to load history task", "task_id", id, "error", err)
				continue
			}
			if t == nil {
				if err := st.RemoveUserTask(ctx, user, id); err != nil {
					slog.Warn("Failed to drop dangling history id", "task_id", id, "error", err)
				}
				continue
			}
			history = append(history, t.StatusBlock())
		}
		c.JSON(http.StatusOK, HistoryResponse{History: history})
	}
}
