package endpoints

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lexa946/downloader-video/internal/store"
)

const (
	userCookie   = "user_id"
	cookieMaxAge = int(365 * 24 * time.Hour / time.Second)
)

// ensureUser returns the caller's identity from the user_id cookie,
// minting a fresh one when none is present so the new task lands in a
// persistent history. The shared anonymous id is passed through as-is.
func ensureUser(c *gin.Context) string {
	if value, err := c.Cookie(userCookie); err == nil {
		if value == store.AnonymousUser {
			return store.AnonymousUser
		}
		if _, err := uuid.Parse(value); err == nil {
			return value
		}
	}
	id := uuid.NewString()
	c.SetCookie(userCookie, id, cookieMaxAge, "/", "", false, true)
	return id
}
