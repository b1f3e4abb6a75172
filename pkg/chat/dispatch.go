package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/genhat/pkg/inference"
)

// CompletionClient is the boundary to the streaming completion backend.
// Satisfied by inference.Client.
type CompletionClient interface {
	Complete(ctx context.Context, history []inference.PromptMessage, onDelta func(string)) inference.Result
}

// PayloadGenerator supplies the opaque auxiliary payload attached to
// assistant messages in diagram or audio mode. Its internal shape belongs to
// the excluded diagram/audio subsystems and is passed through unchanged.
type PayloadGenerator interface {
	GeneratePayload(ctx context.Context, mode Mode, fullText string) (json.RawMessage, error)
}

// Dispatcher feeds completions into sessions. It holds the single
// process-wide in-flight token: a second send or replay, regardless of which
// session it targets, returns ErrBusy instead of queueing. Deltas are always
// appended to the session that originated the request, even if the active
// session changed mid-stream.
type Dispatcher struct {
	registry *Registry
	client   CompletionClient
	payloads PayloadGenerator

	mu       sync.Mutex
	inflight bool
}

type DispatcherOption func(*Dispatcher)

func WithPayloadGenerator(g PayloadGenerator) DispatcherOption {
	return func(d *Dispatcher) {
		d.payloads = g
	}
}

func NewDispatcher(registry *Registry, client CompletionClient, options ...DispatcherOption) *Dispatcher {
	ret := &Dispatcher{
		registry: registry,
		client:   client,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Busy reports whether a completion is currently in flight.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

func (d *Dispatcher) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight {
		return ErrBusy
	}
	d.inflight = true
	return nil
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight = false
}

// Send appends a user message to the session and streams the assistant
// reply into it. It blocks until the stream finishes and returns the
// finalized assistant message.
func (d *Dispatcher) Send(ctx context.Context, sessionID string, text string) (*Message, error) {
	if _, ok := d.registry.Get(sessionID); !ok {
		return nil, ErrSessionNotFound
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	if err := d.registry.AppendMessages(sessionID, NewMessage(RoleUser, text)); err != nil {
		return nil, err
	}
	return d.run(ctx, sessionID)
}

// EditAndReplay replaces the text of an earlier user message, discards
// everything after it, and resubmits the truncated history. The target must
// be a user message present in the session.
func (d *Dispatcher) EditAndReplay(ctx context.Context, sessionID string, messageID uuid.UUID, newText string) (*Message, error) {
	if _, ok := d.registry.Get(sessionID); !ok {
		return nil, ErrSessionNotFound
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	if _, err := d.registry.EditMessage(sessionID, messageID, newText); err != nil {
		return nil, err
	}
	return d.run(ctx, sessionID)
}

func (d *Dispatcher) run(ctx context.Context, sessionID string) (*Message, error) {
	history, err := d.registry.History(sessionID)
	if err != nil {
		return nil, err
	}
	s, ok := d.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	mode := s.Mode

	_ = d.registry.SetAwaitingResponse(sessionID, true)
	defer func() {
		_ = d.registry.SetAwaitingResponse(sessionID, false)
	}()

	// The assistant message only becomes part of the session once the first
	// delta arrives; a completion that fails before streaming leaves no
	// empty placeholder behind.
	assistant := NewMessage(RoleAssistant, "")
	appended := false

	ctx = inference.WithSessionID(ctx, sessionID)
	result := d.client.Complete(ctx, toPrompt(history), func(delta string) {
		if !appended {
			appended = true
			_ = d.registry.AppendMessages(sessionID, assistant)
		}
		_ = d.registry.AppendDelta(sessionID, assistant.ID, delta)
	})

	text, err := result.Value()
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("completion failed, appending error notice")
		notice := NewMessage(RoleAssistant, "completion failed: "+err.Error(), WithErrorNotice())
		_ = d.registry.AppendMessages(sessionID, notice)
		return nil, err
	}

	if !appended {
		_ = d.registry.AppendMessages(sessionID, assistant)
	}

	if d.payloads != nil && mode != ModeConversation {
		payload, perr := d.payloads.GeneratePayload(ctx, mode, text)
		if perr != nil {
			log.Warn().Err(perr).Str("session_id", sessionID).Str("mode", string(mode)).Msg("auxiliary payload generation failed")
		} else {
			_ = d.registry.SetAuxiliary(sessionID, assistant.ID, payload)
		}
	}

	return assistant, nil
}

// toPrompt converts session history into the wire history. Error notices
// are presentation artifacts and are excluded.
func toPrompt(history []*Message) []inference.PromptMessage {
	ret := make([]inference.PromptMessage, 0, len(history))
	for _, m := range history {
		if m.ErrorNotice {
			continue
		}
		ret = append(ret, inference.PromptMessage{
			Role:    string(m.Role),
			Content: m.Text,
		})
	}
	return ret
}
