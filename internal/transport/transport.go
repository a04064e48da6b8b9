// Package transport defines the contract shared by the native and the
// gRPC-Web call transports.
package transport

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Handle errors returned synchronously by Write and Commit.
var (
	ErrNotClientStream = errors.New("method does not stream client messages")
	ErrCommitted       = errors.New("client stream already committed")
	ErrClosed          = errors.New("call already finished")
)

// EventKind identifies what a transport Event carries.
type EventKind int

const (
	EventData EventKind = iota
	EventError
	EventEnd
)

// String returns a human-readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle signal emitted by a Handle.
type Event struct {
	Kind EventKind

	// Payload is the JSON encoding of one inbound message (EventData).
	Payload []byte
	// Stream is true when the payload is one of many server messages.
	Stream bool
	// Elapsed is measured from the moment the call was opened.
	Elapsed time.Duration
	// Err is set for EventError. Implementations report failures as
	// grpc status errors so callers can classify them uniformly.
	Err error
}

// Call describes everything a transport needs to open an RPC.
type Call struct {
	Method   protoreflect.MethodDescriptor
	Endpoint string
	Security *Security // nil means plaintext
	Metadata metadata.MD

	// Payload is the JSON request for unary and server-streaming calls, or
	// the first chunk of a client-streaming call. A nil payload on a
	// client-streaming call opens the stream without writing.
	Payload []byte
}

// Transport opens calls. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, c Call) (Handle, error)
}

// Handle is an in-flight call. Events delivers data in the order the
// server produced it, at most one EventError, and exactly one EventEnd,
// after which the channel is closed.
type Handle interface {
	// Write sends one additional client-stream chunk.
	Write(payload []byte) error
	// Commit half-closes the client side of a stream.
	Commit() error
	// Cancel aborts the call. The end of the call is still reported
	// through Events.
	Cancel()
	Events() <-chan Event
}
