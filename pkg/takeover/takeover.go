// Package takeover coordinates human/AI mode switching. It is the only
// component allowed to combine a mode transition with its side effects:
// the transition, the system message, and the session bookkeeping are
// persisted as one unit, and the event is published strictly after that
// unit is durable.
package takeover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/converselabs/widgetd/pkg/chat"
	"github.com/converselabs/widgetd/pkg/eventlog"
	"github.com/converselabs/widgetd/pkg/session"
)

// Transition notice texts, written into the chat as system messages.
const (
	NoticeTakeover = "You are now connected with a support agent."
	NoticeHandback = "You are now chatting with an AI assistant."
)

// Errors raised by orchestrator operations.
var (
	// ErrWrongMode is returned when an operator message is sent while
	// the session is not in human mode.
	ErrWrongMode = errors.New("session is not in human mode")
	// ErrNoLinkedChat is returned when an operation needs a chat but the
	// session has none.
	ErrNoLinkedChat = errors.New("session has no linked chat")
)

// TransitionParams is one atomic transition write: mode change, optional
// system message, and last-message bookkeeping.
type TransitionParams struct {
	WidgetID  string
	SessionID string
	Mode      session.Mode
	// MessageID is pre-generated so the published event can reference
	// the message idempotently; ignored when no chat is linked.
	MessageID string
	// Notice, when non-empty, is written as a system message to the
	// linked chat and becomes the session's message preview.
	Notice     string
	OperatorID string
	Timestamp  time.Time
}

// TransitionResult reports what the store durably applied.
type TransitionResult struct {
	Session *session.WidgetSession
	// MessageID is empty when no chat was linked and message creation
	// was skipped.
	MessageID string
}

// OperatorMessageParams is one atomic operator-message write.
type OperatorMessageParams struct {
	WidgetID   string
	SessionID  string
	ChatID     string
	MessageID  string
	OperatorID string
	Text       string
	Files      []chat.FileMeta
	Timestamp  time.Time
}

// Persister applies orchestrator writes as single units. Implementations
// must guarantee that a returned message id refers to a durably created
// message.
type Persister interface {
	GetSession(ctx context.Context, widgetID, sessionID string) (*session.WidgetSession, error)
	ApplyTransition(ctx context.Context, p TransitionParams) (*TransitionResult, error)
	ApplyOperatorMessage(ctx context.Context, p OperatorMessageParams) (*chat.Message, error)
}

// Publisher is the event log surface the orchestrator writes to.
type Publisher interface {
	Publish(ctx context.Context, widgetID, sessionID string, typ eventlog.EventType, payload map[string]any) (eventlog.Event, error)
	PublishNotification(ctx context.Context, widgetID string, payload map[string]any) (eventlog.Event, error)
}

// AsyncRunner executes best-effort side work whose failures must never
// reach the primary operation.
type AsyncRunner interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Orchestrator composes transitions, messages, and events.
type Orchestrator struct {
	store  Persister
	events Publisher
	files  chat.FileResolver
	async  AsyncRunner
	logger *slog.Logger

	now func() time.Time
}

// New creates an orchestrator. files may be nil when attachments are not
// supported; async may be nil, in which case best-effort work runs
// inline and its errors are logged.
func New(store Persister, events Publisher, files chat.FileResolver, async AsyncRunner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		events: events,
		files:  files,
		async:  async,
		logger: logger,
		now:    time.Now,
	}
}

// TakeOver moves a session into human mode, writes the takeover notice
// into the linked chat, and publishes a takeover event. Taking over an
// already-human session re-assigns the operator and re-emits the event.
// Fails with session.ErrSessionNotFound or session.ErrSessionExpired.
func (o *Orchestrator) TakeOver(ctx context.Context, widgetID, sessionID string, op Operator) (*session.WidgetSession, error) {
	sess, err := o.store.GetSession(ctx, widgetID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(o.now()) {
		return nil, session.ErrSessionExpired
	}
	return o.transition(ctx, sess, session.TransitionTakeOver, op, NoticeTakeover, eventlog.EventTakeover)
}

// HandBack returns a human session to the AI and publishes a handback
// event. Unlike TakeOver it does not check expiry; the asymmetry is
// long-standing observed behavior and is kept on purpose.
func (o *Orchestrator) HandBack(ctx context.Context, widgetID, sessionID string, op Operator) (*session.WidgetSession, error) {
	sess, err := o.store.GetSession(ctx, widgetID, sessionID)
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, sess, session.TransitionHandBack, op, NoticeHandback, eventlog.EventHandback)
}

func (o *Orchestrator) transition(ctx context.Context, sess *session.WidgetSession, t session.Transition, op Operator, notice string, evType eventlog.EventType) (*session.WidgetSession, error) {
	next, err := session.NextMode(sess.Mode, t)
	if err != nil {
		return nil, err
	}

	now := o.now()
	res, err := o.store.ApplyTransition(ctx, TransitionParams{
		WidgetID:   sess.WidgetID,
		SessionID:  sess.SessionID,
		Mode:       next,
		MessageID:  uuid.NewString(),
		Notice:     notice,
		OperatorID: op.ID,
		Timestamp:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	payload := map[string]any{
		"mode":         string(next),
		"operatorName": op.Name(),
		"message":      notice,
		"timestamp":    now.Unix(),
	}
	// A client may already hold this message from another channel; the
	// id lets it deduplicate. Absent when no chat was linked.
	if res.MessageID != "" {
		payload["messageId"] = res.MessageID
	}

	if _, err := o.events.Publish(ctx, sess.WidgetID, sess.SessionID, evType, payload); err != nil {
		return nil, fmt.Errorf("publish %s event: %w", evType, err)
	}

	return res.Session, nil
}

// SetWaitingForHuman parks an AI session in waiting mode and alerts the
// widget owner through the notification channel. The notification is
// best-effort: its failure never fails the transition.
func (o *Orchestrator) SetWaitingForHuman(ctx context.Context, widgetID, sessionID string) (*session.WidgetSession, error) {
	sess, err := o.store.GetSession(ctx, widgetID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(o.now()) {
		return nil, session.ErrSessionExpired
	}

	next, err := session.NextMode(sess.Mode, session.TransitionSetWaiting)
	if err != nil {
		return nil, err
	}

	res, err := o.store.ApplyTransition(ctx, TransitionParams{
		WidgetID:  widgetID,
		SessionID: sessionID,
		Mode:      next,
		Timestamp: o.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	o.bestEffort("notify-waiting", func(ctx context.Context) error {
		_, err := o.events.PublishNotification(ctx, widgetID, map[string]any{
			"sessionId": sessionID,
			"status":    string(session.ModeWaiting),
			"timestamp": o.now().Unix(),
		})
		return err
	})

	return res.Session, nil
}

// SendHumanMessage creates an operator-authored message in the session's
// chat and publishes a message event. The message is free: it never
// counts against the visitor's caps. Fails with
// session.ErrSessionNotFound, session.ErrSessionExpired, ErrWrongMode,
// or ErrNoLinkedChat.
func (o *Orchestrator) SendHumanMessage(ctx context.Context, widgetID, sessionID, text string, op Operator, fileIDs []string) (*chat.Message, error) {
	sess, err := o.store.GetSession(ctx, widgetID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Expired(o.now()) {
		return nil, session.ErrSessionExpired
	}
	if sess.Mode != session.ModeHuman {
		return nil, ErrWrongMode
	}
	if sess.ChatID == "" {
		return nil, ErrNoLinkedChat
	}

	files, err := o.resolveFiles(ctx, op.ID, fileIDs)
	if err != nil {
		return nil, err
	}

	now := o.now()
	msg, err := o.store.ApplyOperatorMessage(ctx, OperatorMessageParams{
		WidgetID:   widgetID,
		SessionID:  sessionID,
		ChatID:     sess.ChatID,
		MessageID:  uuid.NewString(),
		OperatorID: op.ID,
		Text:       text,
		Files:      files,
		Timestamp:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("apply operator message: %w", err)
	}

	payload := map[string]any{
		"messageId":    msg.ID,
		"text":         text,
		"operatorName": op.Name(),
		"timestamp":    now.Unix(),
	}
	if len(files) > 0 {
		payload["files"] = files
	}

	if _, err := o.events.Publish(ctx, widgetID, sessionID, eventlog.EventMessage, payload); err != nil {
		return nil, fmt.Errorf("publish message event: %w", err)
	}

	return msg, nil
}

func (o *Orchestrator) resolveFiles(ctx context.Context, ownerID string, fileIDs []string) ([]chat.FileMeta, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	if o.files == nil {
		return nil, chat.ErrFileNotFound
	}

	files := make([]chat.FileMeta, 0, len(fileIDs))
	for _, id := range fileIDs {
		meta, err := o.files.ResolveFile(ctx, ownerID, id)
		if err != nil {
			return nil, fmt.Errorf("resolve file %s: %w", id, err)
		}
		files = append(files, *meta)
	}
	return files, nil
}

func (o *Orchestrator) bestEffort(name string, fn func(ctx context.Context) error) {
	if o.async != nil {
		o.async.Go(name, fn)
		return
	}
	if err := fn(context.Background()); err != nil {
		o.logger.Warn("best-effort task failed", "task", name, "error", err)
	}
}

// WithClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}
