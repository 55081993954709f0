package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/limits"
)

// CreateChat creates a chat aggregate for a widget owner.
func (s *SQLiteStore) CreateChat(ctx context.Context, ownerID, title string) (*chat.Chat, error) {
	c := &chat.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, owner_id, title, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, nullString(c.Title), c.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

// GetChat resolves a chat by id.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at FROM chats WHERE id = ?`, chatID)

	var (
		c         chat.Chat
		title     sql.NullString
		createdAt int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	c.Title = title.String
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// CreateMessage persists one message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m chat.NewMessage) (*chat.Message, error) {
	id := uuid.NewString()
	if err := insertMessage(ctx, s.db, id, m, nil); err != nil {
		return nil, err
	}
	return &chat.Message{
		ID:          id,
		ChatID:      m.ChatID,
		UserID:      m.UserID,
		Text:        m.Text,
		Direction:   m.Direction,
		Type:        m.Type,
		ProviderTag: m.ProviderTag,
		CreatedAt:   m.Timestamp.UTC(),
	}, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, id string, m chat.NewMessage, files []chat.FileMeta) error {
	var filesJSON any
	if len(files) > 0 {
		data, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("marshal files: %w", err)
		}
		filesJSON = string(data)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, user_id, text, direction, type, provider_tag, files_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.ChatID, m.UserID, m.Text, string(m.Direction), string(m.Type),
		nullString(m.ProviderTag), filesJSON, m.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListVisitorMessages returns up to limit visitor-authored messages of
// a chat owned by ownerID, oldest first.
func (s *SQLiteStore) ListVisitorMessages(ctx context.Context, ownerID, chatID string, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.user_id, m.text, m.direction, m.type, m.provider_tag, m.created_at
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE m.chat_id = ? AND c.owner_id = ? AND m.direction = ?
		ORDER BY m.created_at ASC
		LIMIT ?`,
		chatID, ownerID, string(chat.DirectionIn), limit)
	if err != nil {
		return nil, fmt.Errorf("query visitor messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m           chat.Message
			direction   string
			msgType     string
			providerTag sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Text, &direction, &msgType, &providerTag, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Direction = chat.Direction(direction)
		m.Type = chat.MessageType(msgType)
		m.ProviderTag = providerTag.String
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertUpload registers an uploaded file.
func (s *SQLiteStore) InsertUpload(ctx context.Context, ownerID string, meta chat.FileMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, owner_id, name, mime_type, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID, ownerID, meta.Name, nullString(meta.MimeType), meta.Size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// ResolveFile returns upload metadata only when the owner matches, so a
// caller can never attach someone else's file.
func (s *SQLiteStore) ResolveFile(ctx context.Context, ownerID, fileID string) (*chat.FileMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, mime_type, size FROM uploads WHERE id = ? AND owner_id = ?`,
		fileID, ownerID)

	var (
		meta     chat.FileMeta
		mimeType sql.NullString
	)
	err := row.Scan(&meta.ID, &meta.Name, &mimeType, &meta.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan upload row: %w", err)
	}
	meta.MimeType = mimeType.String
	return &meta, nil
}

// Append records one usage ledger row.
func (s *SQLiteStore) Append(ctx context.Context, e limits.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (user_id, action, provider, model, units, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Action, nullString(e.Provider), nullString(e.Model),
		e.Units, e.Tokens, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Count returns the total units consumed for (user, action), optionally
// bounded to rows at or after since.
func (s *SQLiteStore) Count(ctx context.Context, userID, action string, since *time.Time) (int64, error) {
	var (
		n   int64
		err error
	)
	if since != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(units), 0) FROM usage_events WHERE user_id = ? AND action = ? AND created_at >= ?`,
			userID, action, since.Unix()).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(units), 0) FROM usage_events WHERE user_id = ? AND action = ?`,
			userID, action).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("sum usage events: %w", err)
	}
	return n, nil
}

// GetAccount loads a billing account. Unknown accounts fall back to the
// anonymous tier so unregistered visitors get lifetime caps.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (limits.Account, error) {
	var (
		acct      limits.Account
		tier      string
		unlimited int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tier, unlimited FROM accounts WHERE id = ?`, id).
		Scan(&acct.ID, &tier, &unlimited)
	if err == sql.ErrNoRows {
		return limits.Account{ID: id, Tier: limits.TierAnonymous}, nil
	}
	if err != nil {
		return limits.Account{}, fmt.Errorf("get account: %w", err)
	}
	acct.Tier = limits.Tier(tier)
	acct.Unlimited = unlimited != 0
	return acct, nil
}

// UpsertAccount creates or updates a billing account.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct limits.Account) error {
	unlimited := 0
	if acct.Unlimited {
		unlimited = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tier, unlimited, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tier = excluded.tier, unlimited = excluded.unlimited`,
		acct.ID, string(acct.Tier), unlimited, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}
