// Package store is the relational persistence layer behind the widget
// core: widget sessions, the chat/message collaborator, the usage
// ledger, and upload lookups, all in one SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/limits"
	"github.com/converselabs/widgetd/pkg/session"
	"github.com/converselabs/widgetd/pkg/takeover"
)

// SQLiteStore implements the session repository, the chat collaborator
// contract, the usage ledger, and the orchestrator persister on a single
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Interface conformance.
var (
	_ session.Repository = (*SQLiteStore)(nil)
	_ chat.Reader        = (*SQLiteStore)(nil)
	_ chat.FileResolver  = (*SQLiteStore)(nil)
	_ limits.Ledger      = (*SQLiteStore)(nil)
	_ takeover.Persister = (*SQLiteStore)(nil)
)

// New opens (creating if needed) the SQLite database at dbPath.
func New(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency across request handlers.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// NewMemory opens an in-process database, used by tests.
func NewMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A second connection would see a different empty database.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS widget_sessions (
		widget_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'ai',
		chat_id TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		file_count INTEGER NOT NULL DEFAULT 0,
		title TEXT,
		last_message_preview TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		last_message_at INTEGER,
		last_human_activity_at INTEGER,
		PRIMARY KEY (widget_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_widget_sessions_expires ON widget_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		provider_tag TEXT,
		files_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		units INTEGER NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_action ON usage_events(user_id, action, created_at);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'anonymous',
		unlimited INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mime_type TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `widget_id, session_id, mode, chat_id, message_count, file_count,
	title, last_message_preview, created_at, expires_at, last_message_at, last_human_activity_at`

func scanSession(row interface{ Scan(...any) error }) (*session.WidgetSession, error) {
	var (
		sess                           session.WidgetSession
		chatID, title, preview         sql.NullString
		createdAt, expiresAt           int64
		lastMessageAt, lastHumanActive sql.NullInt64
		mode                           string
	)

	err := row.Scan(
		&sess.WidgetID, &sess.SessionID, &mode, &chatID,
		&sess.MessageCount, &sess.FileCount, &title, &preview,
		&createdAt, &expiresAt, &lastMessageAt, &lastHumanActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Mode = session.Mode(mode)
	sess.ChatID = chatID.String
	sess.Title = title.String
	sess.LastMessagePreview = preview.String
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if lastMessageAt.Valid {
		t := time.Unix(lastMessageAt.Int64, 0).UTC()
		sess.LastMessageAt = &t
	}
	if lastHumanActive.Valid {
		t := time.Unix(lastHumanActive.Int64, 0).UTC()
		sess.LastHumanActivity = &t
	}
	return &sess, nil
}

// GetSession loads one widget session.
func (s *SQLiteStore) GetSession(ctx context.Context, widgetID, sessionID string) (*session.WidgetSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM widget_sessions WHERE widget_id = ? AND session_id = ?`,
		widgetID, sessionID)
	return scanSession(row)
}

// InsertSession creates a fresh session record.
func (s *SQLiteStore) InsertSession(ctx context.Context, sess *session.WidgetSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widget_sessions
			(widget_id, session_id, mode, chat_id, message_count, file_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.WidgetID, sess.SessionID, string(sess.Mode), nullString(sess.ChatID),
		sess.MessageCount, sess.FileCount, sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ResetSession zeroes the counters and extends expiry; mode and title
// survive the reset.
func (s *SQLiteStore) ResetSession(ctx context.Context, widgetID, sessionID string, expiresAt time.Time) (*session.WidgetSession, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE widget_sessions
		SET message_count = 0, file_count = 0, expires_at = ?
		WHERE widget_id = ? AND session_id = ?`,
		expiresAt.Unix(), widgetID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, session.ErrSessionNotFound
	}
	return s.GetSession(ctx, widgetID, sessionID)
}

// AddMessageCount adjusts the message counter, flooring at zero.
func (s *SQLiteStore) AddMessageCount(ctx context.Context, widgetID, sessionID string, delta int) error {
	return s.addCount(ctx, "message_count", widgetID, sessionID, delta)
}

// AddFileCount adjusts the attachment counter, flooring at zero.
func (s *SQLiteStore) AddFileCount(ctx context.Context, widgetID, sessionID string, delta int) error {
	return s.addCount(ctx, "file_count", widgetID, sessionID, delta)
}

func (s *SQLiteStore) addCount(ctx context.Context, column, widgetID, sessionID string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE widget_sessions SET `+column+` = MAX(`+column+` + ?, 0)
		 WHERE widget_id = ? AND session_id = ?`,
		delta, widgetID, sessionID)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// TouchLastMessage stamps the last inbound message time.
func (s *SQLiteStore) TouchLastMessage(ctx context.Context, widgetID, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE widget_sessions SET last_message_at = ? WHERE widget_id = ? AND session_id = ?`,
		at.Unix(), widgetID, sessionID)
	if err != nil {
		return fmt.Errorf("touch last message: %w", err)
	}
	return nil
}

// SetTitleIfEmpty writes the title only when the session has none yet.
// The conditional update is the first-writer-wins guard for concurrent
// title generation.
func (s *SQLiteStore) SetTitleIfEmpty(ctx context.Context, widgetID, sessionID, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE widget_sessions SET title = ?
		WHERE widget_id = ? AND session_id = ? AND (title IS NULL OR title = '')`,
		title, widgetID, sessionID)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// LinkChat attaches a chat aggregate to the session.
func (s *SQLiteStore) LinkChat(ctx context.Context, widgetID, sessionID, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE widget_sessions SET chat_id = ? WHERE widget_id = ? AND session_id = ?`,
		chatID, widgetID, sessionID)
	if err != nil {
		return fmt.Errorf("link chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry is older than the
// cutoff.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM widget_sessions WHERE expires_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
