package chat

import "errors"

var (
	// ErrSessionNotFound is returned when an operation references a session
	// id that is not present in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotEditable is returned when an edit targets a message that
	// is absent or not a user message.
	ErrMessageNotEditable = errors.New("message is not editable")
	// ErrBusy is returned when a send or replay is requested while another
	// completion is still in flight. At most one completion runs at a time,
	// process-wide.
	ErrBusy = errors.New("a completion is already in flight")
)
