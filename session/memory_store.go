package session

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "eda-agent/errors"
)

type memoryEntry struct {
	session  Session
	messages []Message
}

// MemoryStore keeps transcripts in process memory. Reads return copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) CreateSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "session %s already exists", id)
	}
	now := s.now()
	entry := &memoryEntry{session: Session{ID: id, CreatedAt: now, LastActive: now, Title: defaultTitle(now)}}
	s.sessions[id] = entry
	out := entry.session.clone()
	return &out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	out := entry.session.clone()
	return &out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[msg.SessionID]
	if !ok {
		return notFound(msg.SessionID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	entry.messages = append(entry.messages, msg.clone())
	entry.session.LastActive = s.now()
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}
	out := make([]Message, len(entry.messages))
	for i, m := range entry.messages {
		out[i] = m.clone()
	}
	return out, nil
}

func (s *MemoryStore) SetTitle(ctx context.Context, id, title string) error {
	return s.update(id, func(sess *Session) { sess.Title = title })
}

func (s *MemoryStore) SetDatasetInfo(ctx context.Context, id, name string, columns []string) error {
	return s.update(id, func(sess *Session) {
		sess.DatasetName = name
		sess.DatasetColumns = append([]string(nil), columns...)
	})
}

func (s *MemoryStore) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	fn(&entry.session)
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) StaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, entry := range s.sessions {
		if entry.session.LastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

func notFound(id string) error {
	return apperrors.WrapErrorf(apperrors.ErrNotFound, "session %s", id)
}

func defaultTitle(t time.Time) string {
	return "Chat from " + t.Format("January 2, 2006")
}
