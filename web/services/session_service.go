package services

import (
	"context"
	"fmt"
	"path"
	"strings"

	"eda-agent/session"
	"eda-agent/web/format"
	"eda-agent/web/types"

	"go.uber.org/zap"
)

// CredentialSource tells whether the model provider needs a key and whether
// one is configured through the secrets store.
type CredentialSource interface {
	Provider() string
	RequiresAPIKey() bool
}

type SessionService struct {
	manager     *session.Manager
	credentials CredentialSource
	secretKey   string
	previewRows int
	maxUploadMB int64
	logger      *zap.Logger
}

func NewSessionService(manager *session.Manager, credentials CredentialSource, secretKey string, previewRows int, maxUploadMB int64, logger *zap.Logger) *SessionService {
	return &SessionService{
		manager:     manager,
		credentials: credentials,
		secretKey:   secretKey,
		previewRows: previewRows,
		maxUploadMB: maxUploadMB,
		logger:      logger,
	}
}

// APIKey returns the credential used for sessionID: the configured secret
// first, then the key the user entered.
func (ss *SessionService) APIKey(sessionID string) string {
	if ss.secretKey != "" {
		return ss.secretKey
	}
	return ss.manager.Credential(sessionID)
}

// CredentialRequired reports whether the user has to type a key.
func (ss *SessionService) CredentialRequired() bool {
	return ss.secretKey == "" && ss.credentials.RequiresAPIKey()
}

// SetCredential stores a user-entered key for the session.
func (ss *SessionService) SetCredential(sessionID, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("API key is empty")
	}
	ss.manager.SetCredential(sessionID, key)
	ss.logger.Info("API key set for session", zap.String("session_id", sessionID))
	return nil
}

// Reset discards the transcript and returns the new session id.
func (ss *SessionService) Reset(ctx context.Context, sessionID string) (string, error) {
	return ss.manager.Reset(ctx, sessionID)
}

// Transcript returns the stored messages of a session.
func (ss *SessionService) Transcript(ctx context.Context, sessionID string) (*types.TranscriptResponse, error) {
	sess, err := ss.manager.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := ss.manager.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []session.Message{}
	}
	return &types.TranscriptResponse{
		SessionID: sessionID,
		Title:     sess.Title,
		Dataset:   sess.DatasetName,
		Messages:  messages,
	}, nil
}

// PageData collects what the chat page shows. It consumes pending notices
// and the one-shot dataset preview.
func (ss *SessionService) PageData(ctx context.Context, sessionID string) (*types.PageData, error) {
	sess, err := ss.manager.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := ss.manager.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	data := &types.PageData{
		SessionID:          sessionID,
		Title:              sess.Title,
		Provider:           ss.credentials.Provider(),
		CredentialRequired: ss.CredentialRequired(),
		HasCredential:      ss.APIKey(sessionID) != "",
		Notices:            ss.manager.TakeNotices(sessionID),
		MaxUploadMB:        ss.maxUploadMB,
		Messages:           make([]types.MessageView, 0, len(messages)),
	}

	if ds, _ := ss.manager.Dataset(sessionID); ds != nil {
		data.DatasetName = ds.Name()
		data.DatasetShape = fmt.Sprintf("(%d rows x %d columns)", ds.NumRows(), ds.NumColumns())
	}
	if ds := ss.manager.TakePreview(sessionID); ds != nil {
		head := ds.Head(ss.previewRows)
		data.Preview = &types.PreviewView{
			Name:      ds.Name(),
			Columns:   head.Columns,
			Rows:      head.Rows,
			TotalRows: head.TotalRows,
			Summary:   fmt.Sprintf("Showing %d of %d rows, %d columns.", len(head.Rows), ds.NumRows(), ds.NumColumns()),
		}
	}

	for _, m := range messages {
		view := types.MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		if m.Role == session.RoleAssistant {
			view.HTML = format.ToHTML(m.Content)
		}
		if m.Chart != nil {
			view.ChartURL = m.Chart.URL
		}
		data.Messages = append(data.Messages, view)
	}
	return data, nil
}

// ChartURL is the address a chart in sessionID's workspace is served from.
func ChartURL(sessionID, file string) string {
	return path.Join("/workspaces", sessionID, file)
}
