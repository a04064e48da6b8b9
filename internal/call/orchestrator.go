// Package call drives a single RPC through its lifecycle and turns
// whatever the transport reports into an ordered event stream.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/telemetry"
	"github.com/shhac/quill/internal/transport"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Errors returned synchronously by Session.Write and Session.Commit.
var (
	ErrNotStreaming = errors.New("call is not accepting client stream messages")
	ErrCommitted    = errors.New("client stream already committed")
	ErrCancelled    = errors.New("call was cancelled")
)

// Request is everything needed to start a call.
type Request struct {
	Method   protoreflect.MethodDescriptor
	Endpoint string
	Security *transport.Security // nil means plaintext
	Metadata metadata.MD
	Payload  []byte

	// Interactive keeps client streams open for Write until Commit.
	// Otherwise the payload is sent and committed straight away.
	Interactive bool
	// Web selects the gRPC-Web transport.
	Web bool
	// Timeout cancels the call after the given duration. Zero disables it.
	Timeout time.Duration
}

// Orchestrator starts sessions on one of two transports.
type Orchestrator struct {
	channel transport.Transport
	web     transport.Transport
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracer sets the tracer used for session spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// NewOrchestrator creates an orchestrator. Either transport may be nil, in
// which case calls that select it fail with an error event.
func NewOrchestrator(channel, web transport.Transport, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		channel: channel,
		web:     web,
		logger:  logger,
		tracer:  telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start opens the call described by req and returns immediately. Every
// outcome, including failures to open the call, is reported on the
// session's event channel.
func (o *Orchestrator) Start(ctx context.Context, req Request) *Session {
	ctx, s := o.newSession(ctx, req)

	if req.Method == nil {
		s.abort(fmt.Errorf("%w: no method selected", qerrors.ErrMethodNotFound))
		return s
	}

	tr := o.channel
	if req.Web {
		tr = o.web
	}
	if tr == nil {
		s.abort(fmt.Errorf("%w: transport not configured", qerrors.ErrInvalidEndpoint))
		return s
	}

	payload := req.Payload
	var rest [][]byte
	if s.mode.ClientStreams() {
		payload = nil
		if chunks := splitChunks(req.Method.Input(), req.Payload); len(chunks) > 0 {
			payload, rest = chunks[0], chunks[1:]
		}
	}

	handle, err := tr.Send(ctx, transport.Call{
		Method:   req.Method,
		Endpoint: req.Endpoint,
		Security: req.Security,
		Metadata: req.Metadata,
		Payload:  payload,
	})
	if err != nil {
		s.abort(err)
		return s
	}

	s.mu.Lock()
	s.handle = handle
	if payload != nil {
		s.sent = append(s.sent, payload)
	}
	if s.mode.ClientStreams() {
		s.phase = PhaseStreaming
	}
	s.mu.Unlock()

	if req.Timeout > 0 {
		s.timer = time.AfterFunc(req.Timeout, s.Cancel)
	}
	if s.mode.ClientStreams() {
		s.primed = make(chan struct{})
	}

	go s.relay(handle)
	if s.mode.ClientStreams() {
		go s.prime(rest, !req.Interactive)
	}
	return s
}

// Reject returns a session for req that has already failed with err. It
// reports problems found while preparing a call, such as unreadable TLS
// material, the same way as failures to open it.
func (o *Orchestrator) Reject(ctx context.Context, req Request, err error) *Session {
	_, s := o.newSession(ctx, req)
	s.abort(err)
	return s
}

func (o *Orchestrator) newSession(ctx context.Context, req Request) (context.Context, *Session) {
	mode := ModeUnary
	info := telemetry.CallInfo{Endpoint: req.Endpoint, Web: req.Web}
	if req.Method != nil {
		mode = ModeOf(req.Method.IsStreamingClient(), req.Method.IsStreamingServer())
		info.Service = string(req.Method.Parent().FullName())
		info.Method = string(req.Method.Name())
	}
	info.Mode = mode.String()

	ctx, span := telemetry.StartCall(ctx, o.tracer, info)

	s := &Session{
		mode:   mode,
		phase:  PhaseSending,
		events: make(chan Event, 16),
		start:  time.Now(),
		span:   span,
		logger: o.logger.With(
			slog.String("method", info.Service+"/"+info.Method),
			slog.String("mode", mode.String()),
		),
	}
	if mode.ClientStreams() {
		s.stream = streamOpen
	}

	s.logger.Debug("starting call",
		slog.String("address", req.Endpoint),
		slog.Bool("web", req.Web),
		slog.Bool("interactive", req.Interactive),
	)
	return ctx, s
}
