// Package sse decodes newline-delimited `data: <json>` completion streams
// into ordered content deltas. The decoder is incremental: bytes can arrive
// in arbitrary-sized chunks with no alignment to frame boundaries, and the
// emitted event sequence is identical regardless of how the stream is
// chunked.
package sse

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	// EventTypeContentDelta carries one incremental fragment of assistant text.
	EventTypeContentDelta EventType = "content-delta"
	// EventTypeStreamEnd marks the end of the stream, either via the [DONE]
	// sentinel or via connection close.
	EventTypeStreamEnd EventType = "stream-end"
	// EventTypeMalformedFrame marks a data frame whose payload could not be
	// decoded. The stream continues past it.
	EventTypeMalformedFrame EventType = "malformed-frame"
)

type Event struct {
	Type EventType
	// Text is the delta payload for EventTypeContentDelta events.
	Text string
}

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// completionChunk mirrors the incremental frame shape of
// OpenAI-compatible chat completion streams.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns a chunked byte stream into an ordered sequence of events.
// It holds back the trailing partial line after the last newline; that
// partial is never decoded as a frame.
type Decoder struct {
	buf    string
	done   bool
	closed bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of raw bytes and returns the events completed by it,
// in stream order. After a stream end has been emitted, further chunks are
// ignored.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done || d.closed {
		return nil
	}

	d.buf += string(chunk)

	var evs []Event
	for {
		idx := strings.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		ev, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		evs = append(evs, ev)
		if ev.Type == EventTypeStreamEnd {
			d.done = true
			d.buf = ""
			break
		}
	}

	return evs
}

// Close signals that the underlying connection has closed. If no [DONE]
// sentinel was seen, closure itself counts as the end of the stream and an
// implicit stream-end event is emitted exactly once. Any held-back partial
// line is discarded.
func (d *Decoder) Close() []Event {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.done {
		return nil
	}
	d.done = true

	if d.buf != "" {
		log.Trace().Int("discarded_bytes", len(d.buf)).Msg("SSE: discarding partial line at stream close")
		d.buf = ""
	}

	return []Event{{Type: EventTypeStreamEnd}}
}

// Done reports whether the stream has terminated, via sentinel or closure.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) decodeLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	// lines without the event-line prefix (keep-alives, event: names, blanks)
	// are dropped silently
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{}, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneSentinel {
		log.Trace().Msg("SSE: received [DONE] sentinel")
		return Event{Type: EventTypeStreamEnd}, true
	}

	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		log.Warn().Err(err).Int("payload_len", len(payload)).Msg("SSE: skipping malformed frame")
		return Event{Type: EventTypeMalformedFrame}, true
	}
	if len(chunk.Choices) == 0 {
		log.Warn().Msg("SSE: frame carries no choices, skipping")
		return Event{Type: EventTypeMalformedFrame}, true
	}

	delta := chunk.Choices[0].Delta.Content
	if delta == "" {
		// role-only or otherwise empty chunks are valid but carry no content
		return Event{}, false
	}

	return Event{Type: EventTypeContentDelta, Text: delta}, true
}
