package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/session"
	"github.com/converselabs/widgetd/pkg/takeover"
)

// ApplyTransition applies a mode change, the optional system message,
// and the session bookkeeping in one transaction. The orchestrator may
// only publish its event after this returns, which guarantees an event
// never references a message id that is not durable.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, p takeover.TransitionParams) (*takeover.TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT chat_id FROM widget_sessions WHERE widget_id = ? AND session_id = ?`,
		p.WidgetID, p.SessionID)

	var chatID sql.NullString
	if err := row.Scan(&chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var messageID string
	if p.Notice != "" && chatID.String != "" {
		// System notice goes into the linked chat; skipped (non-fatal)
		// when no chat is linked yet.
		messageID = p.MessageID
		err := insertMessage(ctx, tx, messageID, chat.NewMessage{
			ChatID:    chatID.String,
			UserID:    p.OperatorID,
			Text:      p.Notice,
			Direction: chat.DirectionOut,
			Type:      chat.TypeSystem,
			Timestamp: p.Timestamp,
		}, nil)
		if err != nil {
			return nil, err
		}
	}

	if p.Notice != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE widget_sessions
			SET mode = ?, last_human_activity_at = ?, last_message_at = ?, last_message_preview = ?
			WHERE widget_id = ? AND session_id = ?`,
			string(p.Mode), p.Timestamp.Unix(), p.Timestamp.Unix(), p.Notice,
			p.WidgetID, p.SessionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE widget_sessions
			SET mode = ?, last_human_activity_at = ?
			WHERE widget_id = ? AND session_id = ?`,
			string(p.Mode), p.Timestamp.Unix(), p.WidgetID, p.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("update session mode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	sess, err := s.GetSession(ctx, p.WidgetID, p.SessionID)
	if err != nil {
		return nil, err
	}
	return &takeover.TransitionResult{Session: sess, MessageID: messageID}, nil
}

// ApplyOperatorMessage writes an operator-authored message and the
// session's last-message bookkeeping in one transaction.
func (s *SQLiteStore) ApplyOperatorMessage(ctx context.Context, p takeover.OperatorMessageParams) (*chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg := chat.NewMessage{
		ChatID:    p.ChatID,
		UserID:    p.OperatorID,
		Text:      p.Text,
		Direction: chat.DirectionOut,
		Type:      chat.TypeText,
		Timestamp: p.Timestamp,
	}
	if err := insertMessage(ctx, tx, p.MessageID, msg, p.Files); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE widget_sessions
		SET last_message_at = ?, last_human_activity_at = ?, last_message_preview = ?
		WHERE widget_id = ? AND session_id = ?`,
		p.Timestamp.Unix(), p.Timestamp.Unix(), p.Text, p.WidgetID, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("update session bookkeeping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit operator message: %w", err)
	}

	return &chat.Message{
		ID:        p.MessageID,
		ChatID:    p.ChatID,
		UserID:    p.OperatorID,
		Text:      p.Text,
		Direction: chat.DirectionOut,
		Type:      chat.TypeText,
		Files:     p.Files,
		CreatedAt: p.Timestamp.UTC(),
	}, nil
}
