package session

import (
	"context"
	"time"
)

// TranscriptStore persists sessions and their ordered messages.
// Lookups of unknown sessions return errors.ErrNotFound.
type TranscriptStore interface {
	CreateSession(ctx context.Context, id string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// AppendMessage adds msg to the end of its session's transcript and
	// marks the session active.
	AppendMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	SetTitle(ctx context.Context, id, title string) error
	// SetDatasetInfo records which file the session is analysing. The rows
	// themselves are never persisted.
	SetDatasetInfo(ctx context.Context, id, name string, columns []string) error
	DeleteSession(ctx context.Context, id string) error
	// StaleSessions lists sessions inactive since before cutoff.
	StaleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}
