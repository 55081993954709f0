// Package chat defines the contract to the chat/message persistence
// collaborator. The widget core creates and reads messages through these
// interfaces but does not own the chat aggregate.
package chat

import (
	"context"
	"errors"
	"time"
)

// Direction of a message relative to the visitor.
type Direction string

const (
	// DirectionIn is a visitor-authored message.
	DirectionIn Direction = "in"
	// DirectionOut is an operator- or AI-authored message.
	DirectionOut Direction = "out"
)

// MessageType distinguishes ordinary text from system notices.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeSystem MessageType = "system"
)

// Common errors.
var (
	// ErrChatNotFound is returned when the referenced chat is absent.
	ErrChatNotFound = errors.New("chat not found")
	// ErrFileNotFound is returned when an upload id cannot be resolved
	// for the given owner.
	ErrFileNotFound = errors.New("uploaded file not found")
)

// Chat is the conversation aggregate a widget session links to.
type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single chat utterance.
type Message struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chatId"`
	UserID      string      `json:"userId"`
	Text        string      `json:"text"`
	Direction   Direction   `json:"direction"`
	Type        MessageType `json:"type"`
	ProviderTag string      `json:"providerTag,omitempty"`
	Files       []FileMeta  `json:"files,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// FileMeta describes an upload attached to a message.
type FileMeta struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// NewMessage is the shape handed to the collaborator on create.
type NewMessage struct {
	ChatID      string
	UserID      string
	Text        string
	Direction   Direction
	Type        MessageType
	ProviderTag string
	Timestamp   time.Time
}

// Reader is the read side of the collaborator.
type Reader interface {
	// GetChat resolves a chat by id. Returns ErrChatNotFound if absent.
	GetChat(ctx context.Context, chatID string) (*Chat, error)

	// ListVisitorMessages returns up to limit visitor-authored messages
	// of a chat in creation order.
	ListVisitorMessages(ctx context.Context, ownerID, chatID string, limit int) ([]Message, error)
}

// FileResolver verifies upload ownership before attachment.
type FileResolver interface {
	// ResolveFile returns metadata for an upload owned by ownerID.
	// Returns ErrFileNotFound when the id is unknown or owned by
	// someone else.
	ResolveFile(ctx context.Context, ownerID, fileID string) (*FileMeta, error)
}
