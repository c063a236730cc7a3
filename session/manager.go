package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RestartNotice is shown after a reset.
const RestartNotice = "The conversation was restarted!"

// Notice levels.
const (
	NoticeSuccess = "success"
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// Notice is a one-shot message displayed on the next page render.
type Notice struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// state is the per-session data that is never persisted.
type state struct {
	ask            sync.Mutex
	dataset        *dataset.Dataset
	datasetFile    string
	previewPending bool
	credential     string
	notices        []Notice
}

// Manager owns session lifecycle: transcript rows in the store, the
// workspace directory on disk and the volatile state kept in memory.
type Manager struct {
	store         TranscriptStore
	workspaceRoot string
	logger        *zap.Logger

	mu       sync.Mutex
	states   map[string]*state
	onDelete []func(sessionID string)
}

func NewManager(store TranscriptStore, workspaceRoot string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:         store,
		workspaceRoot: workspaceRoot,
		logger:        logger,
		states:        make(map[string]*state),
	}
}

// OnDelete registers fn to run whenever a session is discarded.
func (m *Manager) OnDelete(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = append(m.onDelete, fn)
}

func (m *Manager) Store() TranscriptStore { return m.store }

// WorkspacePath is the directory holding the session's dataset and charts.
func (m *Manager) WorkspacePath(id string) string {
	return filepath.Join(m.workspaceRoot, id)
}

// state returns the volatile state of a live session, or nil once the
// session has been deleted or was never created by this manager.
func (m *Manager) state(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// track creates the volatile state of a live session.
func (m *Manager) track(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &state{}
		m.states[id] = st
	}
	return st
}

// Ensure returns id when it names a live session, or a new session's id.
func (m *Manager) Ensure(ctx context.Context, id string) (string, bool, error) {
	if utils.IsValidSessionID(id) {
		_, err := m.store.GetSession(ctx, id)
		if err == nil {
			// The store may outlive the process; state is rebuilt lazily.
			m.track(id)
			return id, false, nil
		}
		if !apperrors.IsNotFound(err) {
			return "", false, err
		}
	}
	newID, err := m.New(ctx)
	return newID, true, err
}

// New starts a session with an empty transcript and workspace.
func (m *Manager) New(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := m.store.CreateSession(ctx, id); err != nil {
		return "", fmt.Errorf("could not create session: %w", err)
	}
	if err := os.MkdirAll(m.WorkspacePath(id), 0o755); err != nil {
		m.logger.Error("Failed to create workspace directory", zap.Error(err), zap.String("session_id", id))
		_ = m.store.DeleteSession(ctx, id)
		return "", fmt.Errorf("could not create workspace: %w", err)
	}
	m.track(id)
	m.logger.Info("Session created", zap.String("session_id", id))
	return id, nil
}

// Reset discards the session's history and returns a fresh session id. The
// loaded dataset and user credential carry over, and the dataset preview is
// shown again. A question still running on the old session finishes before
// it is discarded.
func (m *Manager) Reset(ctx context.Context, oldID string) (string, error) {
	unlock := m.Lock(oldID)
	defer unlock()

	newID, err := m.New(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	var ds *dataset.Dataset
	var credential string
	old, ok := m.states[oldID]
	if ok {
		ds, credential = old.dataset, old.credential
	}
	m.mu.Unlock()

	if ok {
		if credential != "" {
			m.SetCredential(newID, credential)
		}
		if ds != nil {
			if err := m.SetDataset(ctx, newID, ds); err != nil {
				m.logger.Warn("Failed to carry dataset over reset", zap.Error(err), zap.String("session_id", newID))
			}
		}
	}

	if err := m.Delete(ctx, oldID); err != nil {
		m.logger.Warn("Failed to delete previous session", zap.Error(err), zap.String("session_id", oldID))
	}
	m.AddNotice(newID, NoticeSuccess, RestartNotice)
	m.logger.Info("Session reset", zap.String("old_session_id", oldID), zap.String("session_id", newID))
	return newID, nil
}

// Delete removes the transcript, workspace and volatile state of id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.states, id)
	hooks := append([]func(string){}, m.onDelete...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	if utils.IsValidSessionID(id) {
		if err := os.RemoveAll(m.WorkspacePath(id)); err != nil {
			m.logger.Warn("Failed to remove workspace", zap.Error(err), zap.String("session_id", id))
		}
	}
	if err := m.store.DeleteSession(ctx, id); err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	return nil
}

// SetDataset writes ds into the session workspace and makes it the dataset
// questions are asked against.
func (m *Manager) SetDataset(ctx context.Context, id string, ds *dataset.Dataset) error {
	file := utils.DatasetFilename(ds.Name())
	path := filepath.Join(m.WorkspacePath(id), file)
	if err := os.MkdirAll(m.WorkspacePath(id), 0o755); err != nil {
		return fmt.Errorf("could not create workspace: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := ds.WriteTo(out); err != nil {
		out.Close()
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if err := m.store.SetDatasetInfo(ctx, id, ds.Name(), ds.Columns()); err != nil {
		return err
	}

	st := m.track(id)
	m.mu.Lock()
	st.dataset = ds
	st.datasetFile = file
	st.previewPending = true
	m.mu.Unlock()
	return nil
}

// Dataset returns the loaded dataset and its file name in the workspace.
func (m *Manager) Dataset(id string) (*dataset.Dataset, string) {
	st := m.state(id)
	if st == nil {
		return nil, ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.dataset, st.datasetFile
}

// TakePreview returns the dataset if its preview has not been shown yet,
// and marks it shown.
func (m *Manager) TakePreview(id string) *dataset.Dataset {
	st := m.state(id)
	if st == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !st.previewPending {
		return nil
	}
	st.previewPending = false
	return st.dataset
}

// SetCredential is a no-op for sessions that are no longer live.
func (m *Manager) SetCredential(id, credential string) {
	st := m.state(id)
	if st == nil {
		return
	}
	m.mu.Lock()
	st.credential = credential
	m.mu.Unlock()
}

func (m *Manager) Credential(id string) string {
	st := m.state(id)
	if st == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.credential
}

func (m *Manager) AddNotice(id, level, text string) {
	st := m.state(id)
	if st == nil {
		return
	}
	m.mu.Lock()
	st.notices = append(st.notices, Notice{Level: level, Text: text})
	m.mu.Unlock()
}

// TakeNotices returns and clears pending notices.
func (m *Manager) TakeNotices(id string) []Notice {
	st := m.state(id)
	if st == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := st.notices
	st.notices = nil
	return out
}

// Lock serialises questions within one session. Call the returned func to
// release it. Sessions that are no longer live have nothing to guard.
func (m *Manager) Lock(id string) func() {
	st := m.state(id)
	if st == nil {
		return func() {}
	}
	st.ask.Lock()
	return st.ask.Unlock
}

func (m *Manager) AppendMessage(ctx context.Context, msg Message) error {
	return m.store.AppendMessage(ctx, msg)
}

func (m *Manager) Messages(ctx context.Context, id string) ([]Message, error) {
	return m.store.Messages(ctx, id)
}

func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}
