// Package eventlog is the ephemeral pub/sub channel between the widget
// core and its polling clients. Events live in a TTL cache for a short
// retention window and are then gone: a client that does not poll in time
// must re-fetch authoritative state instead of expecting a replay. That
// trade-off is deliberate and keeps UI signaling out of the database.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType classifies what happened in a session.
type EventType string

const (
	// EventTakeover announces a human operator taking the session.
	EventTakeover EventType = "takeover"
	// EventHandback announces the session returning to the AI.
	EventHandback EventType = "handback"
	// EventMessage announces a new chat message.
	EventMessage EventType = "message"
	// EventNotification is a tenant-wide owner alert.
	EventNotification EventType = "notification"
)

// notificationsKey is the synthetic per-widget session key that carries
// owner notifications through the same log structure.
const notificationsKey = "notifications"

// ErrLogClosed is returned when operating on a closed log.
var ErrLogClosed = errors.New("event log is closed")

// Event is one short-lived, ordered record. ID is derived from a
// microsecond clock so insertion order is total and externally
// comparable; Timestamp is second resolution, for display and retention.
type Event struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TypingIndicator is the single-slot typing signal of a session.
type TypingIndicator struct {
	OperatorID string `json:"operatorId"`
	Timestamp  int64  `json:"timestamp"`
}

// Config holds event log tuning.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all event keys (default: "widgetd:events:").
	Prefix string
	// Retention bounds how long published events stay readable
	// (default: 5m).
	Retention time.Duration
	// TypingTTL bounds the typing indicator slot (default: 5s).
	TypingTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Log is the redis-backed ephemeral event log.
// Safe for concurrent use; concurrent publishes to the same key are
// read-filter-append-write without locking, so last write wins. That is
// accepted for this subsystem's traffic (one visitor, one operator).
type Log struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	typingTTL time.Duration

	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and returns an event log.
func New(cfg Config) (*Log, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix, cfg.Retention, cfg.TypingTTL), nil
}

// NewFromClient builds a log around an existing client.
// This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string, retention, typingTTL time.Duration) *Log {
	if prefix == "" {
		prefix = "widgetd:events:"
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if typingTTL <= 0 {
		typingTTL = 5 * time.Second
	}
	return &Log{
		client:    client,
		prefix:    prefix,
		retention: retention,
		typingTTL: typingTTL,
		now:       time.Now,
	}
}

// Key helpers
func (l *Log) eventsKey(widgetID, sessionID string) string {
	return l.prefix + "log:" + widgetID + ":" + sessionID
}

func (l *Log) typingKey(widgetID, sessionID string) string {
	return l.prefix + "typing:" + widgetID + ":" + sessionID
}

func (l *Log) guard() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLogClosed
	}
	return nil
}

// Publish appends an event to the session's log. The current list is
// read, entries older than the retention window are dropped, the new
// event is appended with a strictly increasing microsecond id, and the
// filtered list is written back with the key TTL reset to the retention
// window. The eager filter and the key TTL are redundant on purpose:
// either one alone keeps the window bounded if the other fails.
func (l *Log) Publish(ctx context.Context, widgetID, sessionID string, typ EventType, payload map[string]any) (Event, error) {
	if err := l.guard(); err != nil {
		return Event{}, err
	}

	key := l.eventsKey(widgetID, sessionID)

	events, err := l.read(ctx, key)
	if err != nil {
		return Event{}, err
	}

	now := l.now()
	cutoff := now.Add(-l.retention).Unix()

	kept := events[:0]
	for _, ev := range events {
		if ev.Timestamp >= cutoff {
			kept = append(kept, ev)
		}
	}

	ev := Event{
		ID:        now.UnixMicro(),
		Type:      typ,
		Timestamp: now.Unix(),
		Payload:   payload,
	}
	// Two publishes can land in the same microsecond; ids must still be
	// strictly increasing per key.
	if n := len(kept); n > 0 && ev.ID <= kept[n-1].ID {
		ev.ID = kept[n-1].ID + 1
	}
	kept = append(kept, ev)

	if err := l.write(ctx, key, kept); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// GetNewEvents returns all retained events with id > sinceID in
// ascending id order. An absent key yields an empty slice, never an
// error.
func (l *Log) GetNewEvents(ctx context.Context, widgetID, sessionID string, sinceID int64) ([]Event, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}

	events, err := l.read(ctx, l.eventsKey(widgetID, sessionID))
	if err != nil {
		return nil, err
	}

	fresh := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.ID > sinceID {
			fresh = append(fresh, ev)
		}
	}
	return fresh, nil
}

// PublishNotification appends a tenant-wide owner notification to the
// widget's synthetic notification channel.
func (l *Log) PublishNotification(ctx context.Context, widgetID string, payload map[string]any) (Event, error) {
	return l.Publish(ctx, widgetID, notificationsKey, EventNotification, payload)
}

// GetNewNotifications reads the widget's notification channel by cursor.
func (l *Log) GetNewNotifications(ctx context.Context, widgetID string, sinceID int64) ([]Event, error) {
	return l.GetNewEvents(ctx, widgetID, notificationsKey, sinceID)
}

// SetTyping overwrites the session's typing slot. No history is kept;
// the later of two concurrent writers wins.
func (l *Log) SetTyping(ctx context.Context, widgetID, sessionID, operatorID string) error {
	if err := l.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(TypingIndicator{
		OperatorID: operatorID,
		Timestamp:  l.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal typing indicator: %w", err)
	}

	if err := l.client.Set(ctx, l.typingKey(widgetID, sessionID), data, l.typingTTL).Err(); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// ClearTyping removes the typing slot. Clearing an absent slot is not an
// error.
func (l *Log) ClearTyping(ctx context.Context, widgetID, sessionID string) error {
	if err := l.guard(); err != nil {
		return err
	}
	if err := l.client.Del(ctx, l.typingKey(widgetID, sessionID)).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// GetTyping returns the current typing indicator, or ok=false when the
// slot is empty or has expired.
func (l *Log) GetTyping(ctx context.Context, widgetID, sessionID string) (TypingIndicator, bool, error) {
	if err := l.guard(); err != nil {
		return TypingIndicator{}, false, err
	}

	data, err := l.client.Get(ctx, l.typingKey(widgetID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TypingIndicator{}, false, nil
		}
		return TypingIndicator{}, false, fmt.Errorf("get typing: %w", err)
	}

	var ind TypingIndicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return TypingIndicator{}, false, fmt.Errorf("unmarshal typing indicator: %w", err)
	}
	return ind, true, nil
}

func (l *Log) read(ctx context.Context, key string) ([]Event, error) {
	data, err := l.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get events: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return events, nil
}

func (l *Log) write(ctx context.Context, key string, events []Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	if err := l.client.Set(ctx, key, data, l.retention).Err(); err != nil {
		return fmt.Errorf("set events: %w", err)
	}
	return nil
}

// Ping checks the backing connection.
func (l *Log) Ping(ctx context.Context) error {
	if err := l.guard(); err != nil {
		return err
	}
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}

// WithClock overrides the log's time source. Test hook.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}
