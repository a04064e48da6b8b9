package call

import (
	"encoding/json"
	"time"

	"github.com/shhac/quill/internal/transport"
)

// EventKind identifies what a session Event carries.
type EventKind = transport.EventKind

const (
	EventData  = transport.EventData
	EventError = transport.EventError
	EventEnd   = transport.EventEnd
)

// Event is one lifecycle signal of a session.
type Event struct {
	Kind EventKind

	// Payload is the JSON response message for EventData.
	Payload json.RawMessage
	// Stream distinguishes one of many answers from the single answer.
	Stream  bool
	Elapsed time.Duration

	// Err and Message are set for EventError. Message is the human
	// readable classification of Err.
	Err     error
	Message string
}
