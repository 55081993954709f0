package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/titlegen"
)

// Common errors for session operations.
var (
	// ErrSessionNotFound is returned when no record exists for the
	// (widgetID, sessionID) pair.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned by operations that refuse to act on
	// a session past its TTL.
	ErrSessionExpired = errors.New("session expired")
)

// Repository abstracts the relational store behind the session lifecycle.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetSession loads a session record.
	// Returns ErrSessionNotFound if the pair has never been seen.
	GetSession(ctx context.Context, widgetID, sessionID string) (*WidgetSession, error)

	// InsertSession creates a fresh record.
	InsertSession(ctx context.Context, s *WidgetSession) error

	// ResetSession zeroes both counters and extends expiry, leaving mode
	// and title untouched. Returns the refreshed record.
	ResetSession(ctx context.Context, widgetID, sessionID string, expiresAt time.Time) (*WidgetSession, error)

	// AddMessageCount adjusts the message counter by delta, flooring at
	// zero. AddFileCount does the same for attachments.
	AddMessageCount(ctx context.Context, widgetID, sessionID string, delta int) error
	AddFileCount(ctx context.Context, widgetID, sessionID string, delta int) error

	// TouchLastMessage records an accepted inbound message timestamp.
	TouchLastMessage(ctx context.Context, widgetID, sessionID string, at time.Time) error

	// SetTitleIfEmpty writes the title only when none is set yet and
	// reports whether the write happened. The conditional write is the
	// race guard: when two generators finish concurrently, the first
	// writer wins and the loser's title is discarded.
	SetTitleIfEmpty(ctx context.Context, widgetID, sessionID, title string) (bool, error)

	// DeleteExpiredSessions permanently removes sessions whose expiry is
	// older than the cutoff, returning how many rows went away.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoreConfig tunes the session store.
type StoreConfig struct {
	// TTL is the fixed session lifetime; expiry is always
	// createdAt + TTL, re-applied on reset.
	TTL time.Duration
	// TitleMinMessages is how many visitor messages a chat needs before
	// a title is generated.
	TitleMinMessages int
	// TitleMaxLen caps generated titles.
	TitleMaxLen int
}

// DefaultStoreConfig returns production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:              24 * time.Hour,
		TitleMinMessages: 5,
		TitleMaxLen:      80,
	}
}

// Store is the session lifecycle component. It trusts its caller on
// ownership questions: the validatedTestMode flag passed to GetOrCreate
// must only be true after the caller verified widget ownership.
type Store struct {
	repo  Repository
	chats chat.Reader
	gen   titlegen.Generator
	cfg   StoreConfig

	now func() time.Time
}

// NewStore creates a session store. gen may be nil, in which case title
// generation is a no-op.
func NewStore(repo Repository, chats chat.Reader, gen titlegen.Generator, cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultStoreConfig().TTL
	}
	if cfg.TitleMinMessages <= 0 {
		cfg.TitleMinMessages = DefaultStoreConfig().TitleMinMessages
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = DefaultStoreConfig().TitleMaxLen
	}
	return &Store{
		repo:  repo,
		chats: chats,
		gen:   gen,
		cfg:   cfg,
		now:   time.Now,
	}
}

// GetOrCreate resolves the session for a (widgetID, sessionID) pair,
// creating it lazily on first contact and resetting it when accessed past
// expiry. When validatedTestMode is true the reserved test prefix is
// prepended to ids that lack it; this is the only code path allowed to
// introduce the prefix.
func (s *Store) GetOrCreate(ctx context.Context, widgetID, sessionID string, validatedTestMode bool) (*WidgetSession, error) {
	effectiveID := sessionID
	if validatedTestMode && !strings.HasPrefix(sessionID, TestSessionPrefix) {
		effectiveID = TestSessionPrefix + sessionID
	}

	now := s.now()

	sess, err := s.repo.GetSession(ctx, widgetID, effectiveID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		sess = &WidgetSession{
			WidgetID:  widgetID,
			SessionID: effectiveID,
			Mode:      ModeAI,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}
		if err := s.repo.InsertSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return sess, nil
	case err != nil:
		return nil, err
	}

	if sess.Expired(now) {
		// Counters restart, expiry extends; mode deliberately survives
		// the reset.
		sess, err = s.repo.ResetSession(ctx, widgetID, effectiveID, now.Add(s.cfg.TTL))
		if err != nil {
			return nil, fmt.Errorf("reset session: %w", err)
		}
	}

	return sess, nil
}

// CheckMessageLimit evaluates the total and per-minute message policies
// for a session. maxTotal <= 0 means unlimited; maxPerMinute <= 0 skips
// the rolling-window check. The per-minute window is deliberately coarse:
// a message within the last 60 seconds counts as one window entry.
func (s *Store) CheckMessageLimit(sess *WidgetSession, maxTotal, maxPerMinute int) LimitResult {
	if maxTotal > 0 {
		if sess.MessageCount >= maxTotal {
			return LimitResult{
				Allowed:   false,
				Reason:    DenyTotalLimitReached,
				Remaining: 0,
			}
		}
	}

	now := s.now()
	if maxPerMinute > 0 && sess.LastMessageAt != nil {
		elapsed := now.Sub(*sess.LastMessageAt)
		if elapsed < time.Minute && 1 >= maxPerMinute {
			return LimitResult{
				Allowed:    false,
				Reason:     DenyRateLimitExceeded,
				Remaining:  remainingOf(sess.MessageCount, maxTotal),
				RetryAfter: time.Minute - elapsed,
			}
		}
	}

	return LimitResult{
		Allowed:   true,
		Remaining: remainingAfter(sess.MessageCount, maxTotal),
	}
}

// CheckFileLimit evaluates the attachment cap. maxFiles <= 0 means
// unlimited.
func (s *Store) CheckFileLimit(sess *WidgetSession, maxFiles int) LimitResult {
	if maxFiles > 0 && sess.FileCount >= maxFiles {
		return LimitResult{
			Allowed:   false,
			Reason:    DenyFileLimitReached,
			Remaining: 0,
		}
	}
	return LimitResult{
		Allowed:   true,
		Remaining: remainingAfter(sess.FileCount, maxFiles),
	}
}

// remainingOf is quota left before any further accept.
func remainingOf(count, max int) int {
	if max <= 0 {
		return -1
	}
	if r := max - count; r > 0 {
		return r
	}
	return 0
}

// remainingAfter is quota left assuming the current action is accepted.
func remainingAfter(count, max int) int {
	if max <= 0 {
		return -1
	}
	if r := max - count - 1; r > 0 {
		return r
	}
	return 0
}

// IncrementMessageCount records one accepted inbound message and stamps
// the last-message time used by the per-minute check.
func (s *Store) IncrementMessageCount(ctx context.Context, sess *WidgetSession) error {
	if err := s.repo.AddMessageCount(ctx, sess.WidgetID, sess.SessionID, 1); err != nil {
		return fmt.Errorf("increment message count: %w", err)
	}
	now := s.now()
	if err := s.repo.TouchLastMessage(ctx, sess.WidgetID, sess.SessionID, now); err != nil {
		return fmt.Errorf("touch last message: %w", err)
	}
	sess.MessageCount++
	sess.LastMessageAt = &now
	return nil
}

// DecrementMessageCount is the compensating action when downstream
// processing of an already-counted message fails. Floors at zero.
func (s *Store) DecrementMessageCount(ctx context.Context, sess *WidgetSession) error {
	if err := s.repo.AddMessageCount(ctx, sess.WidgetID, sess.SessionID, -1); err != nil {
		return fmt.Errorf("decrement message count: %w", err)
	}
	if sess.MessageCount > 0 {
		sess.MessageCount--
	}
	return nil
}

// IncrementFileCount records one accepted attachment.
func (s *Store) IncrementFileCount(ctx context.Context, sess *WidgetSession) error {
	if err := s.repo.AddFileCount(ctx, sess.WidgetID, sess.SessionID, 1); err != nil {
		return fmt.Errorf("increment file count: %w", err)
	}
	sess.FileCount++
	return nil
}

// GenerateTitleIfNeeded summarizes the first visitor messages of the
// linked chat into a short session title. One-shot and best-effort: it
// does nothing when a title exists, no chat is linked, the chat is too
// short, or no generator is configured. The conditional store write keeps
// the first concurrently generated title and drops later ones.
func (s *Store) GenerateTitleIfNeeded(ctx context.Context, sess *WidgetSession, ownerID string) error {
	if s.gen == nil || sess.Title != "" || sess.ChatID == "" {
		return nil
	}

	msgs, err := s.chats.ListVisitorMessages(ctx, ownerID, sess.ChatID, s.cfg.TitleMinMessages*4)
	if err != nil {
		return fmt.Errorf("list visitor messages: %w", err)
	}
	if len(msgs) < s.cfg.TitleMinMessages {
		return nil
	}

	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Text)
		b.WriteString("\n")
	}

	title, err := s.gen.Generate(ctx,
		"Summarize the following chat messages into a short conversation title of at most a few words. Reply with the title only.",
		b.String())
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}

	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return nil
	}
	if len(title) > s.cfg.TitleMaxLen {
		title = title[:s.cfg.TitleMaxLen]
	}

	wrote, err := s.repo.SetTitleIfEmpty(ctx, sess.WidgetID, sess.SessionID, title)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if wrote {
		sess.Title = title
	}
	return nil
}

// SweepExpired permanently removes sessions whose expiry passed more than
// grace ago. Recently expired sessions are kept so that a returning
// visitor gets a counter reset instead of a brand-new record.
func (s *Store) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return s.repo.DeleteExpiredSessions(ctx, s.now().Add(-grace))
}

// WithClock overrides the store's time source. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}
