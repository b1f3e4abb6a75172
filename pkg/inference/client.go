// Package inference drives text completion requests against a local
// llama-server style HTTP backend. The client streams the response through
// the sse decoder and reports deltas to a caller-supplied callback; it never
// touches session state itself, so it can serve both normal sends and edit
// replays.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/genhat/pkg/events"
	"github.com/go-go-golems/genhat/pkg/helpers"
	"github.com/go-go-golems/genhat/pkg/inference/sse"
)

const (
	// DefaultBaseURL is where the bundled llama-server listens.
	DefaultBaseURL = "http://127.0.0.1:8081"
	// DefaultMaxTokens matches the original desktop client's request budget.
	DefaultMaxTokens = 256

	completionsPath = "/v1/chat/completions"
)

// PromptMessage is one history entry of the completion request body.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []PromptMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

// completionResponse is the non-streaming response shape. Not all backends
// stream, so the client must be able to fold a whole-body result into a
// single delta.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Result is the tagged outcome of one completion: Finalized carries the full
// accumulated text, Failed carries the reason.
type Result = helpers.Result[string]

func Finalized(text string) Result {
	return helpers.NewValueResult(text)
}

func Failed(err error) Result {
	return helpers.NewErrorResult[string](err)
}

type Client struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	sinks      []events.EventSink
}

type ClientOption func(*Client)

func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

func WithMaxTokens(maxTokens int) ClientOption {
	return func(c *Client) {
		c.maxTokens = maxTokens
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEventSinks registers sinks that receive start/partial/final/error
// events for every completion issued through this client.
func WithEventSinks(sinks ...events.EventSink) ClientOption {
	return func(c *Client) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	ret := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxTokens:  DefaultMaxTokens,
		httpClient: http.DefaultClient,
		// a null sink keeps the publish path uniform when nothing is configured
		sinks: []events.EventSink{NewNullSink()},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

type ctxKey int

const ctxKeySessionID ctxKey = iota

// WithSessionID tags the context with the session the completion belongs to,
// for event correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID).(string); ok {
		return v
	}
	return ""
}

func (c *Client) publishEvent(ctx context.Context, event events.Event) {
	for _, sink := range c.sinks {
		// Best-effort: a broken sink must not disturb the stream
		_ = sink.PublishEvent(event)
	}
	events.PublishEventToContext(ctx, event)
}

// Complete sends the full message history to the completion endpoint and
// streams the response. onDelta is invoked synchronously, in stream order,
// with each incremental text fragment. The concatenation of all deltas
// equals the Finalized text.
//
// A transport failure while establishing the request yields Failed; once a
// stream is open, connection closure counts as a clean end and yields
// Finalized with whatever was accumulated.
func (c *Client) Complete(ctx context.Context, history []PromptMessage, onDelta func(string)) Result {
	startTime := time.Now()

	reqBody := completionRequest{
		Model:     c.model,
		Messages:  history,
		Stream:    true,
		MaxTokens: c.maxTokens,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Failed(errors.Wrap(err, "marshal completion request"))
	}

	maxTokens := c.maxTokens
	metadata := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: SessionIDFromContext(ctx),
		LLMInferenceData: events.LLMInferenceData{
			Model:     c.model,
			MaxTokens: &maxTokens,
		},
	}

	url := c.baseURL + completionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Failed(errors.Wrap(err, "build completion request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	log.Debug().Str("url", url).Int("history_len", len(history)).Str("model", c.model).Msg("completion: sending request")
	c.publishEvent(ctx, events.NewStartEvent(metadata))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = errors.Wrap(err, "completion endpoint unreachable")
		log.Debug().Err(err).Msg("completion: request failed")
		c.publishEvent(ctx, events.NewErrorEvent(metadata, err))
		return Failed(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	log.Debug().Int("status", resp.StatusCode).Str("content_type", resp.Header.Get("Content-Type")).Msg("completion: response received")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var m map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&m)
		err := errors.Errorf("completion endpoint error: status=%d body=%v", resp.StatusCode, m)
		c.publishEvent(ctx, events.NewErrorEvent(metadata, err))
		return Failed(err)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.completeNonStreaming(ctx, resp.Body, metadata, onDelta, startTime)
	}

	completion := ""
	ended := false
	decoder := sse.NewDecoder()
	handle := func(evs []sse.Event) {
		for _, ev := range evs {
			switch ev.Type {
			case sse.EventTypeContentDelta:
				completion += ev.Text
				if onDelta != nil {
					onDelta(ev.Text)
				}
				c.publishEvent(ctx, events.NewPartialCompletionEvent(metadata, ev.Text, completion))
			case sse.EventTypeMalformedFrame:
				// recovered at this layer, never surfaced to the caller
				c.publishEvent(ctx, events.NewLogEvent(metadata, "warn", "skipped malformed frame", nil))
			case sse.EventTypeStreamEnd:
				ended = true
			}
		}
	}

	buf := make([]byte, 4096)
	for !ended {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			handle(decoder.Feed(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("completion: connection closed mid-stream")
			}
			handle(decoder.Close())
			break
		}
	}

	durationMs := time.Since(startTime).Milliseconds()
	metadata.DurationMs = &durationMs
	c.publishEvent(ctx, events.NewFinalEvent(metadata, completion))
	log.Debug().Int("completion_len", len(completion)).Int64("duration_ms", durationMs).Msg("completion: finalized")

	return Finalized(completion)
}

// completeNonStreaming parses the whole body as a single completion object
// and folds it into one delta before finalizing.
func (c *Client) completeNonStreaming(
	ctx context.Context,
	body io.Reader,
	metadata events.EventMetadata,
	onDelta func(string),
	startTime time.Time,
) Result {
	b, err := io.ReadAll(body)
	if err != nil {
		err = errors.Wrap(err, "read completion response")
		c.publishEvent(ctx, events.NewErrorEvent(metadata, err))
		return Failed(err)
	}

	var cr completionResponse
	if err := json.Unmarshal(b, &cr); err != nil {
		err = errors.Wrap(err, "response is neither an event stream nor a completion object")
		c.publishEvent(ctx, events.NewErrorEvent(metadata, err))
		return Failed(err)
	}
	if len(cr.Choices) == 0 {
		err := errors.New("completion response carries no choices")
		c.publishEvent(ctx, events.NewErrorEvent(metadata, err))
		return Failed(err)
	}

	text := cr.Choices[0].Message.Content
	log.Debug().Int("completion_len", len(text)).Msg("completion: non-streaming response folded into single delta")
	if text != "" {
		if onDelta != nil {
			onDelta(text)
		}
		c.publishEvent(ctx, events.NewPartialCompletionEvent(metadata, text, text))
	}

	durationMs := time.Since(startTime).Milliseconds()
	metadata.DurationMs = &durationMs
	c.publishEvent(ctx, events.NewFinalEvent(metadata, text))

	return Finalized(text)
}
