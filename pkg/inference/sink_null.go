package inference

import "github.com/go-go-golems/genhat/pkg/events"

// NullSink is a no-op EventSink implementation that discards all events.
// Useful for testing or when event publishing is not desired.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

// PublishEvent discards the event and always returns nil.
func (n *NullSink) PublishEvent(event events.Event) error {
	return nil
}

var _ events.EventSink = (*NullSink)(nil)
