package chat

import (
	"github.com/google/uuid"
)

// Mode describes what kind of output a session currently produces.
type Mode string

const (
	ModeConversation      Mode = "conversation"
	ModeDiagramGeneration Mode = "diagram-generation"
	ModeAudioGeneration   Mode = "audio-generation"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeConversation, ModeDiagramGeneration, ModeAudioGeneration:
		return true
	}
	return false
}

// Session is one independent conversation thread with its own message
// history and mode. Sessions are owned exclusively by the Registry, which is
// the sole mutator of the Messages slice.
type Session struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Mode             Mode       `json:"mode"`
	Messages         []*Message `json:"messages"`
	AwaitingResponse bool       `json:"awaitingResponse"`
}

func newSession(name string, mode Mode) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Mode:     mode,
		Messages: []*Message{},
	}
}

// GetMessage returns the message with the given id, if present.
func (s *Session) GetMessage(id uuid.UUID) (*Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

func (s *Session) messageIndex(id uuid.UUID) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
