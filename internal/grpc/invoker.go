package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// maxLogBodyLen caps request and response bodies written to debug logs.
const maxLogBodyLen = 1024

// truncateForLog shortens s to maxLogBodyLen bytes for logging.
func truncateForLog(s string) string {
	if len(s) <= maxLogBodyLen {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes total)", s[:maxLogBodyLen], len(s))
}

// Invoker is the channel transport. It invokes methods dynamically from
// their descriptors, without generated code.
type Invoker struct {
	pool   *ConnectionPool
	logger *slog.Logger
}

var _ transport.Transport = (*Invoker)(nil)

// NewInvoker creates an Invoker that draws connections from pool.
func NewInvoker(pool *ConnectionPool, logger *slog.Logger) *Invoker {
	return &Invoker{
		pool:   pool,
		logger: logger,
	}
}

// Send opens c and returns its handle. Payload and endpoint problems are
// reported synchronously; everything after that arrives as events.
func (i *Invoker) Send(ctx context.Context, c transport.Call) (transport.Handle, error) {
	if c.Method == nil {
		return nil, fmt.Errorf("%w: no method descriptor", qerrors.ErrMethodNotFound)
	}

	methodDesc, err := wrapMethod(c.Method)
	if err != nil {
		return nil, err
	}

	var first *dynamic.Message
	if c.Payload != nil || !c.Method.IsStreamingClient() {
		if first, err = parseRequest(methodDesc, c.Payload); err != nil {
			return nil, err
		}
	}

	conn, err := i.pool.Conn(c.Endpoint, c.Security)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	if len(c.Metadata) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, c.Metadata)
	}

	h := &callHandle{
		methodDesc: methodDesc,
		logger:     i.logger.With(slog.String("method", methodDesc.GetFullyQualifiedName())),
		start:      time.Now(),
		cancel:     cancel,
		events:     make(chan transport.Event, 16),
		done:       make(chan struct{}),
	}
	stub := grpcdynamic.NewStub(conn)

	h.logger.Debug("invoking RPC",
		slog.String("address", c.Endpoint),
		slog.Bool("client_stream", methodDesc.IsClientStreaming()),
		slog.Bool("server_stream", methodDesc.IsServerStreaming()),
	)

	switch {
	case methodDesc.IsClientStreaming():
		h.outbound = make(chan outbound, 64)
		if first != nil {
			h.outbound <- outbound{msg: first}
		}
		if methodDesc.IsServerStreaming() {
			go h.run(ctx, func(ctx context.Context) error { return h.bidiStream(ctx, stub) })
		} else {
			go h.run(ctx, func(ctx context.Context) error { return h.clientStream(ctx, stub) })
		}
	case methodDesc.IsServerStreaming():
		go h.run(ctx, func(ctx context.Context) error { return h.serverStream(ctx, stub, first) })
	default:
		go h.run(ctx, func(ctx context.Context) error { return h.unary(ctx, stub, first) })
	}

	return h, nil
}

// wrapMethod converts md into the descriptor type grpcdynamic expects.
func wrapMethod(md protoreflect.MethodDescriptor) (*desc.MethodDescriptor, error) {
	fd, err := desc.WrapFile(md.ParentFile())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", qerrors.ErrInvalidDescriptor, md.FullName(), err)
	}
	methodDesc, ok := fd.FindSymbol(string(md.FullName())).(*desc.MethodDescriptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", qerrors.ErrMethodNotFound, md.FullName())
	}
	return methodDesc, nil
}

func parseRequest(methodDesc *desc.MethodDescriptor, payload []byte) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(methodDesc.GetInputType())
	if len(payload) == 0 {
		return msg, nil
	}
	if err := msg.UnmarshalJSON(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrInvalidPayload, err)
	}
	return msg, nil
}

type outbound struct {
	msg    *dynamic.Message
	commit bool
}

// callHandle is one in-flight RPC. A single worker goroutine owns the
// stream; Write and Commit reach it through the outbound queue.
type callHandle struct {
	methodDesc *desc.MethodDescriptor
	logger     *slog.Logger
	start      time.Time
	cancel     context.CancelFunc
	events     chan transport.Event
	done       chan struct{}
	outbound   chan outbound // nil unless the client streams

	mu        sync.Mutex
	committed bool
}

// Write queues one more client-stream message.
func (h *callHandle) Write(payload []byte) error {
	if h.outbound == nil {
		return transport.ErrNotClientStream
	}
	msg, err := parseRequest(h.methodDesc, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return transport.ErrCommitted
	}
	return h.enqueue(outbound{msg: msg})
}

// Commit half-closes the client stream.
func (h *callHandle) Commit() error {
	if h.outbound == nil {
		return transport.ErrNotClientStream
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return transport.ErrCommitted
	}
	h.committed = true
	return h.enqueue(outbound{commit: true})
}

func (h *callHandle) enqueue(o outbound) error {
	select {
	case <-h.done:
		return transport.ErrClosed
	default:
	}
	select {
	case h.outbound <- o:
		return nil
	case <-h.done:
		return transport.ErrClosed
	}
}

// Cancel aborts the RPC. The worker reports the resulting status.
func (h *callHandle) Cancel() {
	h.logger.Debug("cancelling RPC")
	h.cancel()
}

func (h *callHandle) Events() <-chan transport.Event {
	return h.events
}

// run executes the worker and guarantees the terminal events.
func (h *callHandle) run(ctx context.Context, work func(context.Context) error) {
	err := work(ctx)
	close(h.done)

	if err != nil {
		err = normalizeError(ctx, err)
		h.logger.Error("RPC failed",
			slog.Duration("elapsed", time.Since(h.start)),
			slog.Any("error", err),
		)
		h.events <- transport.Event{Kind: transport.EventError, Err: err, Elapsed: time.Since(h.start)}
	} else {
		h.logger.Debug("RPC completed", slog.Duration("elapsed", time.Since(h.start)))
	}

	h.events <- transport.Event{Kind: transport.EventEnd, Elapsed: time.Since(h.start)}
	close(h.events)
	h.cancel()
}

func (h *callHandle) emit(resp any, stream bool) error {
	msg, ok := resp.(*dynamic.Message)
	if !ok {
		return status.Errorf(codes.Internal, "unexpected response type %T", resp)
	}
	jsonBytes, err := msg.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.Internal, "failed to format response: %v", err)
	}

	h.logger.Debug("received response",
		slog.Bool("stream", stream),
		slog.String("response", truncateForLog(string(jsonBytes))),
	)
	h.events <- transport.Event{
		Kind:    transport.EventData,
		Payload: jsonBytes,
		Stream:  stream,
		Elapsed: time.Since(h.start),
	}
	return nil
}

func (h *callHandle) unary(ctx context.Context, stub grpcdynamic.Stub, req *dynamic.Message) error {
	resp, err := stub.InvokeRpc(ctx, h.methodDesc, req)
	if err != nil {
		return err
	}
	return h.emit(resp, false)
}

func (h *callHandle) serverStream(ctx context.Context, stub grpcdynamic.Stub, req *dynamic.Message) error {
	stream, err := stub.InvokeRpcServerStream(ctx, h.methodDesc, req)
	if err != nil {
		return err
	}

	messageCount := 0
	for {
		resp, err := stream.RecvMsg()
		if errors.Is(err, io.EOF) {
			h.logger.Debug("server stream completed", slog.Int("message_count", messageCount))
			return nil
		}
		if err != nil {
			return err
		}
		messageCount++
		if err := h.emit(resp, true); err != nil {
			return err
		}
	}
}

func (h *callHandle) clientStream(ctx context.Context, stub grpcdynamic.Stub) error {
	stream, err := stub.InvokeRpcClientStream(ctx, h.methodDesc)
	if err != nil {
		return err
	}

	for {
		select {
		case o := <-h.outbound:
			if o.commit {
				resp, err := stream.CloseAndReceive()
				if err != nil {
					return err
				}
				return h.emit(resp, false)
			}
			if err := stream.SendMsg(o.msg); err != nil {
				if errors.Is(err, io.EOF) {
					// The server closed early; its status is in the response.
					_, err = stream.CloseAndReceive()
				}
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *callHandle) bidiStream(ctx context.Context, stub grpcdynamic.Stub) error {
	stream, err := stub.InvokeRpcBidiStream(ctx, h.methodDesc)
	if err != nil {
		return err
	}

	recvDone := make(chan error, 1)
	go func() {
		for {
			resp, err := stream.RecvMsg()
			if errors.Is(err, io.EOF) {
				recvDone <- nil
				return
			}
			if err != nil {
				recvDone <- err
				return
			}
			if err := h.emit(resp, true); err != nil {
				recvDone <- err
				return
			}
		}
	}()

	outbound := h.outbound
	for {
		select {
		case o := <-outbound:
			if o.commit {
				if err := stream.CloseSend(); err != nil {
					h.logger.Warn("failed to close send side", slog.Any("error", err))
				}
				// Keep receiving until the server finishes.
				outbound = nil
				continue
			}
			if err := stream.SendMsg(o.msg); err != nil && !errors.Is(err, io.EOF) {
				h.cancel()
				<-recvDone
				return err
			}
		case err := <-recvDone:
			return err
		}
	}
}

// normalizeError converts failures into grpc status errors.
func normalizeError(ctx context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return status.FromContextError(ctxErr).Err()
	}
	return status.Error(codes.Unknown, err.Error())
}
