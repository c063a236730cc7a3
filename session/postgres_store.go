package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "eda-agent/errors"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore keeps transcripts in Postgres through the pgx stdlib driver.
type PostgresStore struct {
	DB     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrDatabaseOperation.Error())
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.WrapError(err, apperrors.ErrDatabaseOperation.Error())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Successfully connected to the database")
	return &PostgresStore{DB: db, logger: logger}, nil
}

// EnsureSchema creates the required tables if they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
            id UUID PRIMARY KEY,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            last_active TIMESTAMPTZ DEFAULT NOW(),
            title TEXT DEFAULT '',
            dataset_name TEXT DEFAULT '',
            dataset_columns TEXT[] DEFAULT '{}'::TEXT[]
        )`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_last_active ON chat_sessions(last_active DESC)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
            seq BIGSERIAL PRIMARY KEY,
            id UUID UNIQUE NOT NULL,
            session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            chart_file TEXT,
            chart_url TEXT,
            created_at TIMESTAMPTZ DEFAULT NOW()
        )`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, id string) (*Session, error) {
	sessionUUID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{ID: id, CreatedAt: now, LastActive: now, Title: defaultTitle(now)}
	query := `
        INSERT INTO chat_sessions (id, created_at, last_active, title)
        VALUES ($1, $2, $3, $4)
    `
	if _, err := s.DB.ExecContext(ctx, query, sessionUUID, now, now, sess.Title); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sessionUUID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT created_at, last_active, title, dataset_name, dataset_columns
		FROM chat_sessions WHERE id = $1
	`
	sess := Session{ID: id}
	var columns pq.StringArray
	err = s.DB.QueryRowContext(ctx, query, sessionUUID).
		Scan(&sess.CreatedAt, &sess.LastActive, &sess.Title, &sess.DatasetName, &columns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.DatasetColumns = []string(columns)
	return &sess, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) error {
	messageUUID, err := uuid.Parse(msg.ID)
	if err != nil {
		return apperrors.WrapErrorf(apperrors.ErrInvalidInput, "invalid message ID %q", msg.ID)
	}
	sessionUUID, err := parseID(msg.SessionID)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var chartFile, chartURL sql.NullString
	if msg.Chart != nil {
		chartFile = sql.NullString{String: msg.Chart.File, Valid: true}
		chartURL = sql.NullString{String: msg.Chart.URL, Valid: true}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET last_active = $1 WHERE id = $2`, time.Now(), sessionUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(msg.SessionID)
	}

	query := `
		INSERT INTO chat_messages (id, session_id, role, content, chart_file, chart_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query, messageUUID, sessionUUID, msg.Role, msg.Content, chartFile, chartURL, msg.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	sessionUUID, _ := parseID(sessionID)
	query := `
		SELECT id, role, content, chart_file, chart_url, created_at FROM chat_messages
		WHERE session_id = $1 ORDER BY seq ASC
	`
	rows, err := s.DB.QueryContext(ctx, query, sessionUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg := Message{SessionID: sessionID}
		var msgUUID uuid.UUID
		var chartFile, chartURL sql.NullString
		if err := rows.Scan(&msgUUID, &msg.Role, &msg.Content, &chartFile, &chartURL, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ID = msgUUID.String()
		if chartFile.Valid {
			msg.Chart = &Chart{File: chartFile.String, URL: chartURL.String}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) SetTitle(ctx context.Context, id, title string) error {
	return s.exec(ctx, id, `UPDATE chat_sessions SET title = $1 WHERE id = $2`, title)
}

func (s *PostgresStore) SetDatasetInfo(ctx context.Context, id, name string, columns []string) error {
	return s.exec(ctx, id, `UPDATE chat_sessions SET dataset_name = $1, dataset_columns = $2 WHERE id = $3`, name, pq.Array(columns))
}

// exec runs an update whose last placeholder is the session id.
func (s *PostgresStore) exec(ctx context.Context, id, query string, args ...interface{}) error {
	sessionUUID, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, append(args, sessionUUID)...)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrDatabaseOperation.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	sessionUUID, err := parseID(id)
	if err != nil {
		return err
	}
	// messages go with the session through ON DELETE CASCADE
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionUUID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrDatabaseOperation.Error())
	}
	return nil
}

func (s *PostgresStore) StaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM chat_sessions WHERE last_active < $1 ORDER BY last_active`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id.String())
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

// parseID rejects ids that are not UUIDs; such sessions cannot exist.
func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, notFound(id)
	}
	return u, nil
}
