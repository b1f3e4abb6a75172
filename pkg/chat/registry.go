// Package chat owns the set of concurrently-open sessions, the single
// active-session pointer, and the dispatcher that feeds completions into
// them. The ordered id slice plus an id-to-session map give O(1) lookup
// while keeping a stable, canonical tab order.
package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry owns all sessions. Its iteration order is the canonical tab
// order exposed to any presentation layer. All operations are atomic with
// respect to each other.
type Registry struct {
	mu       sync.Mutex
	order    []string
	sessions map[string]*Session
	activeID string
	created  int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// CreateSession inserts a new session at the end of the tab order and marks
// it active. It always succeeds.
func (r *Registry) CreateSession(mode Mode) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.created++
	s := newSession(fmt.Sprintf("Chat %d", r.created), mode)
	r.order = append(r.order, s.ID)
	r.sessions[s.ID] = s
	r.activeID = s.ID

	log.Debug().Str("session_id", s.ID).Str("mode", string(mode)).Int("session_count", len(r.order)).Msg("created session")
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ActiveSession returns the currently active session, or false if the
// registry is empty.
func (r *Registry) ActiveSession() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID == "" {
		return nil, false
	}
	s, ok := r.sessions[r.activeID]
	return s, ok
}

func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Sessions returns all sessions in canonical tab order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, r.sessions[id])
	}
	return ret
}

// State returns the sessions in canonical tab order together with the active
// id, captured under a single lock so the pair is always consistent: the
// active id, when non-empty, is guaranteed to belong to the returned slice.
func (r *Registry) State() ([]*Session, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, r.sessions[id])
	}
	return ret, r.activeID
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// SwitchActive moves the active pointer to the given session. The
// previously active session's AwaitingResponse flag is preserved.
func (r *Registry) SwitchActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	r.activeID = id
	log.Debug().Str("session_id", id).Msg("switched active session")
	return nil
}

// CloseSession removes a session. Closing the last remaining session is a
// silent no-op: at least one session must always exist once any has been
// created. When the active session is closed, its immediate predecessor in
// tab order becomes active, falling back to the immediate successor.
func (r *Registry) CloseSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return ErrSessionNotFound
	}
	if len(r.order) == 1 {
		log.Debug().Str("session_id", id).Msg("refusing to close last session")
		return nil
	}

	r.order = append(r.order[:idx], r.order[idx+1:]...)
	delete(r.sessions, id)

	if r.activeID == id {
		switch {
		case idx > 0:
			r.activeID = r.order[idx-1]
		case len(r.order) > 0:
			// the successor now sits where the closed session was
			r.activeID = r.order[0]
		default:
			r.activeID = ""
		}
	}

	log.Debug().Str("session_id", id).Str("active_id", r.activeID).Int("session_count", len(r.order)).Msg("closed session")
	return nil
}

// Reorder moves a session to newIndex in the tab order, preserving the
// relative order of all other sessions. Out-of-range indices are clamped.
func (r *Registry) Reorder(id string, newIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return ErrSessionNotFound
	}

	r.order = append(r.order[:idx], r.order[idx+1:]...)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(r.order) {
		newIndex = len(r.order)
	}
	r.order = append(r.order[:newIndex], append([]string{id}, r.order[newIndex:]...)...)

	log.Debug().Str("session_id", id).Int("new_index", newIndex).Msg("reordered session")
	return nil
}

// SwitchMode updates a session's mode in place without discarding its
// messages. Switching to the current mode is a no-op.
func (r *Registry) SwitchMode(id string, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Mode == mode {
		return nil
	}
	log.Debug().Str("session_id", id).Str("old_mode", string(s.Mode)).Str("new_mode", string(mode)).Msg("switched session mode")
	s.Mode = mode
	return nil
}

// AppendMessages appends messages to a session's history.
func (r *Registry) AppendMessages(id string, msgs ...*Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Messages = append(s.Messages, msgs...)
	log.Trace().Str("session_id", id).Int("appended", len(msgs)).Int("message_count", len(s.Messages)).Msg("appended messages")
	return nil
}

// AppendDelta grows a streaming assistant message by one delta. The message
// text is append-only until finalization.
func (r *Registry) AppendDelta(id string, messageID uuid.UUID, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	m, ok := s.GetMessage(messageID)
	if !ok {
		return ErrMessageNotEditable
	}
	m.Text += delta
	m.LastUpdate = time.Now()
	return nil
}

// SetAuxiliary attaches an opaque payload to a message.
func (r *Registry) SetAuxiliary(id string, messageID uuid.UUID, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	m, ok := s.GetMessage(messageID)
	if !ok {
		return ErrMessageNotEditable
	}
	m.Auxiliary = payload
	m.LastUpdate = time.Now()
	return nil
}

// SetAwaitingResponse flips the session's awaiting-response flag.
func (r *Registry) SetAwaitingResponse(id string, awaiting bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.AwaitingResponse = awaiting
	return nil
}

// EditMessage truncates the session's history to the prefix ending at the
// given user message and replaces that message's text. All later messages,
// including assistant replies, are discarded. The replacement carries a
// fresh id with EditOf pointing at the pre-edit message.
func (r *Registry) EditMessage(id string, messageID uuid.UUID, newText string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	idx := s.messageIndex(messageID)
	if idx < 0 || s.Messages[idx].Role != RoleUser {
		return nil, ErrMessageNotEditable
	}

	edited := NewMessage(RoleUser, newText, WithEditOf(messageID))
	discarded := len(s.Messages) - idx - 1
	s.Messages = append(s.Messages[:idx], edited)

	log.Debug().Str("session_id", id).Str("message_id", messageID.String()).Int("discarded", discarded).Msg("edited message, truncated history")
	return edited, nil
}

// History returns a copy of the session's message slice for prompt building.
func (r *Registry) History(id string) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ret := make([]*Message, len(s.Messages))
	copy(ret, s.Messages)
	return ret, nil
}

func (r *Registry) indexOf(id string) int {
	for i, v := range r.order {
		if v == id {
			return i
		}
	}
	return -1
}

// Restore replaces the registry's entire content in one step. It is used by
// snapshot import, which prepares a fully validated session set before any
// visible state changes.
func (r *Registry) Restore(sessions []*Session, activeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = make([]string, 0, len(sessions))
	r.sessions = make(map[string]*Session, len(sessions))
	for _, s := range sessions {
		r.order = append(r.order, s.ID)
		r.sessions[s.ID] = s

		// keep the name counter ahead of every restored "Chat N" so newly
		// created sessions never collide with a restored display name
		var n int
		if _, err := fmt.Sscanf(s.Name, "Chat %d", &n); err == nil && n > r.created {
			r.created = n
		}
	}
	r.activeID = activeID
	log.Debug().Int("session_count", len(sessions)).Str("active_id", activeID).Msg("restored registry state")
}
