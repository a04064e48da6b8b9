package call

// Mode is the interaction shape of a method, fixed by its two streaming flags.
type Mode int

const (
	ModeUnary Mode = iota
	ModeServerStream
	ModeClientStream
	ModeBidiStream
)

// ModeOf derives the mode from a method's streaming flags.
func ModeOf(clientStreaming, serverStreaming bool) Mode {
	switch {
	case clientStreaming && serverStreaming:
		return ModeBidiStream
	case clientStreaming:
		return ModeClientStream
	case serverStreaming:
		return ModeServerStream
	default:
		return ModeUnary
	}
}

// String returns the mode name used in logs and the catalog.
func (m Mode) String() string {
	switch m {
	case ModeUnary:
		return "Unary"
	case ModeServerStream:
		return "ServerStream"
	case ModeClientStream:
		return "ClientStream"
	case ModeBidiStream:
		return "BidiStream"
	default:
		return "Unknown"
	}
}

// ClientStreams reports whether the caller sends more than one message.
func (m Mode) ClientStreams() bool {
	return m == ModeClientStream || m == ModeBidiStream
}

// ServerStreams reports whether the server answers with more than one message.
func (m Mode) ServerStreams() bool {
	return m == ModeServerStream || m == ModeBidiStream
}

// Phase is where a session is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseCompleting
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleting:
		return "completing"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// streamState tracks the client side of a streaming call.
type streamState int

const (
	streamNone streamState = iota
	streamOpen
	streamCommitted
)
