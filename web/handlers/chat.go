package handlers

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "eda-agent/errors"
	"eda-agent/session"
	"eda-agent/web/middleware"
	"eda-agent/web/services"
	"eda-agent/web/templates"
	"eda-agent/web/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ChatHandler struct {
	chat           *services.ChatService
	sessions       *services.SessionService
	uploads        *services.UploadService
	manager        *session.Manager
	maxUploadBytes int64
	logger         *zap.Logger
}

type ChatRequest struct {
	Message string `json:"message" form:"message"`
}

type CredentialRequest struct {
	APIKey string `json:"api_key" form:"api_key"`
}

func NewChatHandler(
	chat *services.ChatService,
	sessions *services.SessionService,
	uploads *services.UploadService,
	manager *session.Manager,
	maxUploadBytes int64,
	logger *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		chat:           chat,
		sessions:       sessions,
		uploads:        uploads,
		manager:        manager,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Index renders the chat page.
func (h *ChatHandler) Index(c *gin.Context) {
	sessionID := middleware.SessionID(c)

	data, err := h.sessions.PageData(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", zap.Error(err), zap.String("session_id", sessionID))
		c.String(http.StatusInternalServerError, "Could not load the conversation.")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := templates.ChatPage(*data).Render(c.Request.Context(), c.Writer); err != nil {
		h.logger.Error("Failed to render chat page", zap.Error(err), zap.String("session_id", sessionID))
	}
}

// Credentials stores a user-entered API key for the session.
func (h *ChatHandler) Credentials(c *gin.Context) {
	var req CredentialRequest
	if err := c.ShouldBind(&req); err != nil {
		finishForm(c, h.manager, http.StatusBadRequest, session.NoticeError, "Invalid request", nil)
		return
	}

	if !h.sessions.CredentialRequired() {
		finishForm(c, h.manager, http.StatusOK, session.NoticeInfo, "An API key is already configured.", gin.H{"status": "configured"})
		return
	}

	if err := h.sessions.SetCredential(middleware.SessionID(c), req.APIKey); err != nil {
		finishForm(c, h.manager, http.StatusBadRequest, session.NoticeWarning, "Please enter your API key.", nil)
		return
	}
	finishForm(c, h.manager, http.StatusOK, session.NoticeSuccess, "API key saved for this session.", gin.H{"status": "saved"})
}

// Upload parses a CSV and makes it the session's dataset. A file that cannot
// be parsed only produces an error message.
func (h *ChatHandler) Upload(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	if h.maxUploadBytes > 0 {
		// Leave room for the multipart envelope.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "Please choose a CSV file to upload."
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("File too large, maximum size is %d MB.", h.maxUploadBytes>>20)
		}
		finishForm(c, h.manager, http.StatusBadRequest, session.NoticeError, msg, nil)
		return
	}

	result, err := h.uploads.ProcessUpload(c.Request.Context(), sessionID, file)
	if err != nil {
		status := http.StatusBadRequest
		if !apperrors.IsInvalidCSV(err) && !apperrors.IsInvalidInput(err) {
			status = http.StatusInternalServerError
			h.logger.Error("Upload failed", zap.Error(err), zap.String("session_id", sessionID))
		}
		finishForm(c, h.manager, status, session.NoticeError, services.UserMessage(err), nil)
		return
	}

	text := fmt.Sprintf("Loaded %s: %d rows x %d columns.", result.Filename, result.Rows, result.Columns)
	finishForm(c, h.manager, http.StatusOK, session.NoticeSuccess, text, gin.H{
		"filename": result.Filename,
		"rows":     result.Rows,
		"columns":  result.Columns,
	})
}

// Chat asks a question. Agent failures are stored as an assistant message, so
// they still answer with 200.
func (h *ChatHandler) Chat(c *gin.Context) {
	sessionID := middleware.SessionID(c)

	var req ChatRequest
	if err := c.ShouldBind(&req); err != nil {
		finishForm(c, h.manager, http.StatusBadRequest, session.NoticeError, "Invalid request", nil)
		return
	}

	exchange, err := h.chat.Ask(c.Request.Context(), sessionID, req.Message)
	switch {
	case err == nil:
		finishForm(c, h.manager, http.StatusOK, "", "", types.ChatResponse{
			SessionID: sessionID,
			User:      exchange.User,
			Assistant: exchange.Assistant,
		})
	case apperrors.IsInvalidInput(err):
		finishForm(c, h.manager, http.StatusBadRequest, session.NoticeWarning, "Message cannot be empty.", nil)
	case errors.Is(err, apperrors.ErrNoDataset):
		finishForm(c, h.manager, http.StatusConflict, session.NoticeWarning, "Please upload a CSV file before asking questions.", nil)
	case apperrors.IsMissingCredential(err):
		finishForm(c, h.manager, http.StatusUnauthorized, session.NoticeWarning, "Please enter your API key in the sidebar to continue.", nil)
	default:
		h.logger.Error("Failed to process message", zap.Error(err), zap.String("session_id", sessionID))
		finishForm(c, h.manager, http.StatusInternalServerError, session.NoticeError, "Could not process the message. Please try again.", nil)
	}
}

// Reset discards the transcript and moves the browser to a new session.
func (h *ChatHandler) Reset(c *gin.Context) {
	oldID := middleware.SessionID(c)

	newID, err := h.sessions.Reset(c.Request.Context(), oldID)
	if err != nil {
		if middleware.WantsJSON(c) {
			respondWithError(c, http.StatusInternalServerError, err, "Could not restart the conversation", h.logger, zap.String("session_id", oldID))
			return
		}
		h.logger.Error("Failed to reset session", zap.Error(err), zap.String("session_id", oldID))
		h.manager.AddNotice(oldID, session.NoticeError, "Could not restart the conversation.")
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	middleware.SetSessionCookie(c, newID)
	c.Set(middleware.SessionKey, newID)
	finishForm(c, h.manager, http.StatusOK, "", "", gin.H{
		"session_id": newID,
		"message":    session.RestartNotice,
	})
}

// Transcript returns the session's stored messages as JSON.
func (h *ChatHandler) Transcript(c *gin.Context) {
	sessionID := middleware.SessionID(c)

	transcript, err := h.sessions.Transcript(c.Request.Context(), sessionID)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, err, "Could not load transcript", h.logger, zap.String("session_id", sessionID))
		return
	}
	c.JSON(http.StatusOK, transcript)
}
