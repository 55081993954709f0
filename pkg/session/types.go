// Package session owns the anonymous widget session lifecycle: lazy
// creation, expiry-driven reset, message/file counters, usage limits, and
// the conversation mode state machine. Sessions are identified by the
// composite key (widgetID, sessionID) and live in a relational store; the
// package never touches the event log directly.
package session

import (
	"strings"
	"time"
)

// Mode is the conversation mode of a widget session.
type Mode string

const (
	// ModeAI means replies are generated by the AI assistant.
	ModeAI Mode = "ai"
	// ModeHuman means a human operator has taken over the session.
	ModeHuman Mode = "human"
	// ModeWaiting means AI replies are disabled and no operator has
	// picked up the session yet.
	ModeWaiting Mode = "waiting"
)

// TestSessionPrefix marks owner-validated test sessions. It is prepended
// exactly once, server-side, in Store.GetOrCreate; it must never be
// accepted from a client.
const TestSessionPrefix = "test_"

// WidgetSession is a visitor's ongoing interaction with one embedded
// widget instance.
type WidgetSession struct {
	WidgetID  string `json:"widgetId"`
	SessionID string `json:"sessionId"`

	Mode   Mode   `json:"mode"`
	ChatID string `json:"chatId,omitempty"`

	// MessageCount and FileCount only grow, except for the explicit
	// compensating decrement and the expiry-driven reset.
	MessageCount int `json:"messageCount"`
	FileCount    int `json:"fileCount"`

	Title              string     `json:"title,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastHumanActivity  *time.Time `json:"lastHumanActivityAt,omitempty"`
}

// Expired reports whether the session is past its TTL at the given time.
func (s *WidgetSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsTest reports whether the session id carries the reserved test prefix.
func (s *WidgetSession) IsTest() bool {
	return strings.HasPrefix(s.SessionID, TestSessionPrefix)
}

// DenyReason explains a limit denial.
type DenyReason string

const (
	DenyNone              DenyReason = ""
	DenyTotalLimitReached DenyReason = "total_limit_reached"
	DenyRateLimitExceeded DenyReason = "rate_limit_exceeded"
	DenyFileLimitReached  DenyReason = "file_limit_reached"
)

// LimitResult is the structured outcome of a limit check. Denials are
// results, not errors, so callers can surface remaining quota and a
// retry countdown without exception handling.
type LimitResult struct {
	Allowed    bool          `json:"allowed"`
	Reason     DenyReason    `json:"reason,omitempty"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}
