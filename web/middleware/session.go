package middleware

import (
	"net/http"

	"eda-agent/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const SessionCookieName = "eda_agent_session"
const CookieMaxAge = 30 * 24 * 60 * 60 // 30 days

// SessionKey is the gin context key holding the session id.
const SessionKey = "sessionID"

// SessionMiddleware resolves the session cookie to a live session. A missing,
// malformed or unknown cookie starts a new session.
func SessionMiddleware(manager *session.Manager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, _ := c.Cookie(SessionCookieName)

		sessionID, created, err := manager.Ensure(c.Request.Context(), cookie)
		if err != nil {
			logger.Error("Failed to resolve session", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
			return
		}
		if created {
			SetSessionCookie(c, sessionID)
		}

		c.Set(SessionKey, sessionID)
		c.Next()
	}
}

// SetSessionCookie points the browser at sessionID.
func SetSessionCookie(c *gin.Context, sessionID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, sessionID, CookieMaxAge, "/", "", false, true)
}

// SessionID returns the id set by SessionMiddleware.
func SessionID(c *gin.Context) string {
	return c.GetString(SessionKey)
}
