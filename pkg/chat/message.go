package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry of a session's history. Assistant messages
// created via streaming grow append-only until the stream finalizes; after
// that they are immutable until an edit-triggered truncation removes them.
type Message struct {
	ID         uuid.UUID `json:"id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Time       time.Time `json:"time"`
	LastUpdate time.Time `json:"lastUpdate"`

	// EditOf references the pre-edit message this one replaced.
	EditOf *uuid.UUID `json:"editOf,omitempty"`

	// Auxiliary is an opaque payload produced by the diagram/audio
	// subsystems; it is passed through and persisted unchanged.
	Auxiliary json.RawMessage `json:"auxiliary,omitempty"`

	// ErrorNotice marks messages that surface a failed completion to the
	// user. Notices are excluded from prompt history.
	ErrorNotice bool `json:"errorNotice,omitempty"`
}

type MessageOption func(*Message)

func WithID(id uuid.UUID) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func WithTime(t time.Time) MessageOption {
	return func(message *Message) {
		message.Time = t
		message.LastUpdate = t
	}
}

func WithEditOf(id uuid.UUID) MessageOption {
	return func(message *Message) {
		message.EditOf = &id
	}
}

func WithAuxiliary(payload json.RawMessage) MessageOption {
	return func(message *Message) {
		message.Auxiliary = payload
	}
}

func WithErrorNotice() MessageOption {
	return func(message *Message) {
		message.ErrorNotice = true
	}
}

func NewMessage(role Role, text string, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:         uuid.New(),
		Role:       role,
		Text:       text,
		Time:       now,
		LastUpdate: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}
