package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/genhat/pkg/inference"
)

type fakeClient struct {
	mu      sync.Mutex
	deltas  []string
	err     error
	block   chan struct{}
	history []inference.PromptMessage
}

func (f *fakeClient) Complete(ctx context.Context, history []inference.PromptMessage, onDelta func(string)) inference.Result {
	f.mu.Lock()
	f.history = history
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return inference.Failed(f.err)
	}

	full := ""
	for _, d := range f.deltas {
		if onDelta != nil {
			onDelta(d)
		}
		full += d
	}
	return inference.Finalized(full)
}

func (f *fakeClient) lastHistory() []inference.PromptMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history
}

func TestSendStreamsAssistantReply(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeConversation)
	client := &fakeClient{deltas: []string{"Hel", "lo"}}
	d := NewDispatcher(r, client)

	reply, err := d.Send(context.Background(), s.ID, "greet me")
	require.NoError(t, err)
	require.Equal(t, "Hello", reply.Text)

	require.Len(t, s.Messages, 2)
	require.Equal(t, RoleUser, s.Messages[0].Role)
	require.Equal(t, "greet me", s.Messages[0].Text)
	require.Equal(t, RoleAssistant, s.Messages[1].Role)
	require.Equal(t, "Hello", s.Messages[1].Text)
	require.False(t, s.AwaitingResponse)

	require.Equal(t, []inference.PromptMessage{
		{Role: "user", Content: "greet me"},
	}, client.lastHistory())
}

func TestSendToUnknownSession(t *testing.T) {
	d := NewDispatcher(NewRegistry(), &fakeClient{})
	_, err := d.Send(context.Background(), "nope", "hi")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendWhileBusy(t *testing.T) {
	r := NewRegistry()
	a := r.CreateSession(ModeConversation)
	b := r.CreateSession(ModeConversation)

	client := &fakeClient{deltas: []string{"ok"}, block: make(chan struct{})}
	d := NewDispatcher(r, client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Send(context.Background(), a.ID, "slow one")
	}()

	require.Eventually(t, d.Busy, time.Second, time.Millisecond)

	// the guard is process-wide: another session is just as blocked
	_, err := d.Send(context.Background(), b.ID, "second")
	require.ErrorIs(t, err, ErrBusy)
	// rejected sends leave no trace
	require.Empty(t, b.Messages)

	_, err = d.EditAndReplay(context.Background(), a.ID, uuid.New(), "edit")
	require.ErrorIs(t, err, ErrBusy)

	close(client.block)
	<-done
	require.False(t, d.Busy())
}

func TestDeltasLandInOriginatingSession(t *testing.T) {
	r := NewRegistry()
	origin := r.CreateSession(ModeConversation)
	other := r.CreateSession(ModeConversation)

	client := &fakeClient{}
	d := NewDispatcher(r, client)

	// switch the active session "mid-stream": deltas still go to the
	// session that originated the request
	client.deltas = []string{"answer"}
	require.NoError(t, r.SwitchActive(other.ID))

	_, err := d.Send(context.Background(), origin.ID, "question")
	require.NoError(t, err)

	require.Len(t, origin.Messages, 2)
	require.Empty(t, other.Messages)
	require.Equal(t, other.ID, r.ActiveID())
}

func TestFailedCompletionAppendsErrorNotice(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeConversation)
	client := &fakeClient{err: errors.New("connection refused")}
	d := NewDispatcher(r, client)

	_, err := d.Send(context.Background(), s.ID, "hi")
	require.Error(t, err)

	require.Len(t, s.Messages, 2)
	notice := s.Messages[1]
	require.True(t, notice.ErrorNotice)
	require.Contains(t, notice.Text, "connection refused")
	require.False(t, s.AwaitingResponse)

	// notices are excluded from the prompt history of later sends
	client.err = nil
	client.deltas = []string{"better"}
	_, err = d.Send(context.Background(), s.ID, "retry")
	require.NoError(t, err)

	for _, m := range client.lastHistory() {
		assert.NotContains(t, m.Content, "completion failed")
	}
}

func TestEditAndReplay(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeConversation)
	client := &fakeClient{deltas: []string{"first reply"}}
	d := NewDispatcher(r, client)

	_, err := d.Send(context.Background(), s.ID, "original question")
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)

	client.deltas = []string{"revised reply"}
	reply, err := d.EditAndReplay(context.Background(), s.ID, s.Messages[0].ID, "revised question")
	require.NoError(t, err)

	require.Len(t, s.Messages, 2)
	require.Equal(t, "revised question", s.Messages[0].Text)
	require.Equal(t, "revised reply", reply.Text)
	require.Equal(t, reply.ID, s.Messages[1].ID)

	// the replay request carried only the truncated history
	require.Equal(t, []inference.PromptMessage{
		{Role: "user", Content: "revised question"},
	}, client.lastHistory())
}

func TestEditAndReplayRejectsAssistantMessage(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeConversation)
	client := &fakeClient{deltas: []string{"reply"}}
	d := NewDispatcher(r, client)

	_, err := d.Send(context.Background(), s.ID, "question")
	require.NoError(t, err)

	_, err = d.EditAndReplay(context.Background(), s.ID, s.Messages[1].ID, "rewrite")
	require.ErrorIs(t, err, ErrMessageNotEditable)
	require.Len(t, s.Messages, 2)
}

type staticPayloads struct {
	payload json.RawMessage
	err     error
}

func (p *staticPayloads) GeneratePayload(ctx context.Context, mode Mode, fullText string) (json.RawMessage, error) {
	return p.payload, p.err
}

func TestAuxiliaryPayloadAttachedInDiagramMode(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeDiagramGeneration)

	payload := json.RawMessage(`{"tree":{"label":"root","children":[]}}`)
	client := &fakeClient{deltas: []string{"graph"}}
	d := NewDispatcher(r, client, WithPayloadGenerator(&staticPayloads{payload: payload}))

	reply, err := d.Send(context.Background(), s.ID, "draw it")
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(reply.Auxiliary))
}

func TestAuxiliaryPayloadSkippedInConversationMode(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeConversation)

	client := &fakeClient{deltas: []string{"plain"}}
	d := NewDispatcher(r, client, WithPayloadGenerator(&staticPayloads{payload: json.RawMessage(`{}`)}))

	reply, err := d.Send(context.Background(), s.ID, "talk")
	require.NoError(t, err)
	require.Nil(t, reply.Auxiliary)
}

func TestPayloadGenerationFailureIsNonFatal(t *testing.T) {
	r := NewRegistry()
	s := r.CreateSession(ModeAudioGeneration)

	client := &fakeClient{deltas: []string{"speech text"}}
	d := NewDispatcher(r, client, WithPayloadGenerator(&staticPayloads{err: errors.New("tts offline")}))

	reply, err := d.Send(context.Background(), s.ID, "say it")
	require.NoError(t, err)
	require.Equal(t, "speech text", reply.Text)
	require.Nil(t, reply.Auxiliary)
}
