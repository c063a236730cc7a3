package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"eda-agent/session"
	"eda-agent/utils"
	"eda-agent/web/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type WorkspaceHandler struct {
	manager *session.Manager
	logger  *zap.Logger
}

func NewWorkspaceHandler(manager *session.Manager, logger *zap.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{
		manager: manager,
		logger:  logger,
	}
}

// ServeFile serves workspace files only to the browser holding the session.
func (h *WorkspaceHandler) ServeFile(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if !utils.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	if sessionID != middleware.SessionID(c) {
		h.logger.Warn("Unauthorized workspace access attempt",
			zap.String("session_id", sessionID),
			zap.String("requesting_session_id", middleware.SessionID(c)))
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	filename := c.Param("filepath")
	if filename == "" || filename == "/" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Directory listing not allowed"})
		return
	}

	filename = filepath.Clean(strings.TrimPrefix(filename, "/"))
	if strings.Contains(filename, "..") || filepath.IsAbs(filename) {
		h.logger.Warn("Path traversal attempt detected",
			zap.String("session_id", sessionID),
			zap.String("filename", filename))
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid file path"})
		return
	}

	workspaceDir := h.manager.WorkspacePath(sessionID)
	filePath := filepath.Join(workspaceDir, filename)

	absWorkspace, err := filepath.Abs(workspaceDir)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Internal server error", h.logger,
			zap.String("workspace_dir", workspaceDir))
		return
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Internal server error", h.logger,
			zap.String("file_path", filePath))
		return
	}
	if !strings.HasPrefix(absFile, absWorkspace+string(filepath.Separator)) {
		h.logger.Warn("Path traversal attempt - file outside workspace",
			zap.String("session_id", sessionID),
			zap.String("requested_file", absFile))
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		} else {
			respondWithError(c, http.StatusInternalServerError, err, "Internal server error", h.logger,
				zap.String("file_path", filePath))
		}
		return
	}
	if fileInfo.IsDir() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Directory access not allowed"})
		return
	}

	h.logger.Debug("Serving workspace file",
		zap.String("session_id", sessionID),
		zap.String("filename", filename))

	c.File(filePath)
}
