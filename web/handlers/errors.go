package handlers

import (
	"net/http"

	"eda-agent/session"
	"eda-agent/web/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondWithError logs the technical error and returns a user-friendly message
func respondWithError(c *gin.Context, statusCode int, technicalError error, userMessage string, logger *zap.Logger, fields ...zap.Field) {
	if logger != nil {
		fields = append(fields, zap.Error(technicalError))
		logger.Error("Request failed", fields...)
	}

	c.JSON(statusCode, gin.H{"error": userMessage})
}

// respondWithClientError returns a client error (no logging needed for validation errors)
func respondWithClientError(c *gin.Context, statusCode int, userMessage string) {
	c.JSON(statusCode, gin.H{"error": userMessage})
}

// finishForm ends a form post. JSON clients get payload (or an error body
// for non-2xx statuses); browsers get the notice queued and a redirect back
// to the chat page.
func finishForm(c *gin.Context, manager *session.Manager, statusCode int, level, text string, payload any) {
	if middleware.WantsJSON(c) {
		if statusCode >= http.StatusBadRequest {
			respondWithClientError(c, statusCode, text)
			return
		}
		c.JSON(statusCode, payload)
		return
	}
	if text != "" {
		manager.AddNotice(middleware.SessionID(c), level, text)
	}
	c.Redirect(http.StatusSeeOther, "/")
}
