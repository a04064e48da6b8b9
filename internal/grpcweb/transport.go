// Package grpcweb implements the browser-compatible transport: gRPC-Web
// over HTTP using connect-go with dynamic messages.
package grpcweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Transport opens calls as gRPC-Web requests.
type Transport struct {
	logger *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a gRPC-Web transport.
func New(logger *slog.Logger) *Transport {
	return &Transport{logger: logger}
}

type client = connect.Client[dynamicpb.Message, dynamicpb.Message]

// Send opens c. Endpoints without a scheme use https when TLS material is
// present and http otherwise.
func (t *Transport) Send(ctx context.Context, c transport.Call) (transport.Handle, error) {
	if c.Method == nil {
		return nil, fmt.Errorf("%w: no method descriptor", qerrors.ErrMethodNotFound)
	}

	baseURL, err := BaseURL(c.Endpoint, c.Security)
	if err != nil {
		return nil, err
	}

	var first *dynamicpb.Message
	if c.Payload != nil || !c.Method.IsStreamingClient() {
		if first, err = parseRequest(c.Method.Input(), c.Payload); err != nil {
			return nil, err
		}
	}

	httpTransport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
	}
	if c.Security != nil {
		if httpTransport.TLSClientConfig, err = transport.TLSConfig(c.Security); err != nil {
			return nil, err
		}
	}

	procedure := "/" + string(c.Method.Parent().FullName()) + "/" + string(c.Method.Name())
	output := c.Method.Output()
	cl := connect.NewClient[dynamicpb.Message, dynamicpb.Message](
		&http.Client{Transport: httpTransport},
		baseURL+procedure,
		connect.WithGRPCWeb(),
		connect.WithSchema(c.Method),
		connect.WithResponseInitializer(func(_ connect.Spec, msg any) error {
			dyn, ok := msg.(*dynamicpb.Message)
			if !ok {
				return fmt.Errorf("unexpected response type %T", msg)
			}
			*dyn = *dynamicpb.NewMessage(output)
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(ctx)
	h := &callHandle{
		method: c.Method,
		logger: t.logger.With(slog.String("method", string(c.Method.FullName()))),
		start:  time.Now(),
		cancel: func() {
			cancel()
			httpTransport.CloseIdleConnections()
		},
		header: headerFromMetadata(c.Metadata),
		events: make(chan transport.Event, 16),
		done:   make(chan struct{}),
	}

	h.logger.Debug("invoking gRPC-Web RPC", slog.String("url", baseURL+procedure))

	switch {
	case c.Method.IsStreamingClient():
		h.outbound = make(chan outbound, 64)
		if first != nil {
			h.outbound <- outbound{msg: first}
		}
		if c.Method.IsStreamingServer() {
			go h.run(ctx, func(ctx context.Context) error { return h.bidiStream(ctx, cl) })
		} else {
			go h.run(ctx, func(ctx context.Context) error { return h.clientStream(ctx, cl) })
		}
	case c.Method.IsStreamingServer():
		go h.run(ctx, func(ctx context.Context) error { return h.serverStream(ctx, cl, first) })
	default:
		go h.run(ctx, func(ctx context.Context) error { return h.unary(ctx, cl, first) })
	}
	return h, nil
}

// BaseURL turns an endpoint into the URL prefix requests are sent to.
func BaseURL(endpoint string, sec *transport.Security) (string, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return "", fmt.Errorf("%w: endpoint is empty", qerrors.ErrInvalidEndpoint)
	}
	if strings.Contains(endpoint, "://") {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return "", fmt.Errorf("%w: unsupported scheme in %s", qerrors.ErrInvalidEndpoint, endpoint)
		}
		return endpoint, nil
	}
	if sec != nil {
		return "https://" + endpoint, nil
	}
	return "http://" + endpoint, nil
}

func headerFromMetadata(md metadata.MD) http.Header {
	header := make(http.Header, len(md))
	for k, vals := range md {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	return header
}

func parseRequest(md protoreflect.MessageDescriptor, payload []byte) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	if len(payload) == 0 {
		return msg, nil
	}
	if err := protojson.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrInvalidPayload, err)
	}
	return msg, nil
}

type outbound struct {
	msg    *dynamicpb.Message
	commit bool
}

type callHandle struct {
	method   protoreflect.MethodDescriptor
	logger   *slog.Logger
	start    time.Time
	cancel   func()
	header   http.Header
	events   chan transport.Event
	done     chan struct{}
	outbound chan outbound

	mu        sync.Mutex
	committed bool
}

func (h *callHandle) Write(payload []byte) error {
	if h.outbound == nil {
		return transport.ErrNotClientStream
	}
	msg, err := parseRequest(h.method.Input(), payload)
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

func (h *callHandle) Cancel() {
	h.logger.Debug("cancelling gRPC-Web RPC")
	h.cancel()
}

func (h *callHandle) Events() <-chan transport.Event {
	return h.events
}

func (h *callHandle) run(ctx context.Context, work func(context.Context) error) {
	err := work(ctx)
	close(h.done)

	if err != nil {
		err = toStatus(err)
		h.logger.Error("gRPC-Web RPC failed",
			slog.Duration("elapsed", time.Since(h.start)),
			slog.Any("error", err),
		)
		h.events <- transport.Event{Kind: transport.EventError, Err: err, Elapsed: time.Since(h.start)}
	}

	h.events <- transport.Event{Kind: transport.EventEnd, Elapsed: time.Since(h.start)}
	close(h.events)
	h.cancel()
}

func (h *callHandle) emit(msg *dynamicpb.Message, stream bool) error {
	jsonBytes, err := protojson.Marshal(msg)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to format response: %v", err)
	}
	h.events <- transport.Event{
		Kind:    transport.EventData,
		Payload: jsonBytes,
		Stream:  stream,
		Elapsed: time.Since(h.start),
	}
	return nil
}

func (h *callHandle) unary(ctx context.Context, cl *client, req *dynamicpb.Message) error {
	r := connect.NewRequest(req)
	copyHeader(r.Header(), h.header)

	resp, err := cl.CallUnary(ctx, r)
	if err != nil {
		return err
	}
	return h.emit(resp.Msg, false)
}

func (h *callHandle) serverStream(ctx context.Context, cl *client, req *dynamicpb.Message) error {
	r := connect.NewRequest(req)
	copyHeader(r.Header(), h.header)

	stream, err := cl.CallServerStream(ctx, r)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		if err := h.emit(stream.Msg(), true); err != nil {
			return err
		}
	}
	return stream.Err()
}

func (h *callHandle) clientStream(ctx context.Context, cl *client) error {
	stream := cl.CallClientStream(ctx)
	copyHeader(stream.RequestHeader(), h.header)

	for {
		select {
		case o := <-h.outbound:
			if o.commit {
				resp, err := stream.CloseAndReceive()
				if err != nil {
					return err
				}
				return h.emit(resp.Msg, false)
			}
			if err := stream.Send(o.msg); err != nil {
				if errors.Is(err, io.EOF) {
					_, err = stream.CloseAndReceive()
				}
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *callHandle) bidiStream(ctx context.Context, cl *client) error {
	stream := cl.CallBidiStream(ctx)
	copyHeader(stream.RequestHeader(), h.header)

	// Headers are sent with the first message or on commit; receiving
	// before either would block, so the receive loop starts after the
	// first send.
	recvDone := make(chan error, 1)
	receiving := false
	startRecv := func() {
		if receiving {
			return
		}
		receiving = true
		go func() {
			defer stream.CloseResponse()
			for {
				msg, err := stream.Receive()
				if errors.Is(err, io.EOF) {
					recvDone <- nil
					return
				}
				if err != nil {
					recvDone <- err
					return
				}
				if err := h.emit(msg, true); err != nil {
					recvDone <- err
					return
				}
			}
		}()
	}

	outbound := h.outbound
	for {
		select {
		case o := <-outbound:
			if o.commit {
				if err := stream.CloseRequest(); err != nil {
					h.logger.Warn("failed to close request side", slog.Any("error", err))
				}
				startRecv()
				outbound = nil
				continue
			}
			err := stream.Send(o.msg)
			startRecv()
			if err != nil && !errors.Is(err, io.EOF) {
				h.cancel()
				<-recvDone
				return err
			}
		case err := <-recvDone:
			return err
		case <-ctx.Done():
			if !receiving {
				return ctx.Err()
			}
			return <-recvDone
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// toStatus converts connect and context errors into grpc status errors,
// keeping error details.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	code := codes.Code(connect.CodeOf(err))
	msg := err.Error()

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return status.Error(code, msg)
	}

	st := status.New(code, connectErr.Message())
	var details []protoadapt.MessageV1
	for _, d := range connectErr.Details() {
		v, err := d.Value()
		if err != nil {
			continue
		}
		details = append(details, protoadapt.MessageV1Of(v))
	}
	if len(details) > 0 {
		if withDetails, err := st.WithDetails(details...); err == nil {
			st = withDetails
		}
	}
	return st.Err()
}
