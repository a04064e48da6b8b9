package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/transport"
	"github.com/shhac/quill/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	testpb "google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

func testMethod(t *testing.T, name string) protoreflect.MethodDescriptor {
	t.Helper()
	d, err := protoregistry.GlobalFiles.FindDescriptorByName("grpc.testing.TestService")
	require.NoError(t, err)
	sd, ok := d.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	md := sd.Methods().ByName(protoreflect.Name(name))
	require.NotNil(t, md, "method %s not found", name)
	return md
}

func newTestInvoker(t *testing.T) *Invoker {
	t.Helper()
	pool := NewConnectionPool(testLogger)
	t.Cleanup(func() { _ = pool.Close() })
	return NewInvoker(pool, testLogger)
}

// collect drains h until its event channel closes.
func collect(t *testing.T, h transport.Handle) []transport.Event {
	t.Helper()
	var events []transport.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
			return nil
		}
	}
}

func next(t *testing.T, h transport.Handle) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func kinds(events []transport.Event) []transport.EventKind {
	out := make([]transport.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestInvoker_Unary(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: testAddr,
		Metadata: metadata.Pairs("x-user", "alice"),
		Payload:  []byte(`{"responseSize": 4}`),
	})
	require.NoError(t, err)

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventData, transport.EventEnd}, kinds(events))
	assert.False(t, events[0].Stream)

	var resp testpb.SimpleResponse
	require.NoError(t, protojson.Unmarshal(events[0].Payload, &resp))
	assert.Equal(t, "alice", resp.GetUsername())
	assert.Len(t, resp.GetPayload().GetBody(), 4)
}

func TestInvoker_UnaryStatusError(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"responseStatus": {"code": 5, "message": "no such thing"}}`),
	})
	require.NoError(t, err)

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventError, transport.EventEnd}, kinds(events))

	st, ok := status.FromError(events[0].Err)
	require.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "no such thing", st.Message())
}

func TestInvoker_ServerStream(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "StreamingOutputCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"responseParameters": [{"size": 1}, {"size": 2}, {"size": 3}]}`),
	})
	require.NoError(t, err)

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{
		transport.EventData, transport.EventData, transport.EventData, transport.EventEnd,
	}, kinds(events))

	for i, ev := range events[:3] {
		assert.True(t, ev.Stream)
		var resp testpb.StreamingOutputCallResponse
		require.NoError(t, protojson.Unmarshal(ev.Payload, &resp))
		assert.Len(t, resp.GetPayload().GetBody(), i+1)
	}
	assert.GreaterOrEqual(t, events[3].Elapsed, events[0].Elapsed)
}

func TestInvoker_ClientStream(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "StreamingInputCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"payload": {"body": "AAAA"}}`),
	})
	require.NoError(t, err)

	require.NoError(t, h.Write([]byte(`{"payload": {"body": "AA=="}}`)))
	require.NoError(t, h.Write([]byte(`{"payload": {"body": "AA=="}}`)))
	require.NoError(t, h.Commit())

	assert.ErrorIs(t, h.Write([]byte(`{}`)), transport.ErrCommitted)
	assert.ErrorIs(t, h.Commit(), transport.ErrCommitted)

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventData, transport.EventEnd}, kinds(events))
	assert.False(t, events[0].Stream)

	var resp testpb.StreamingInputCallResponse
	require.NoError(t, protojson.Unmarshal(events[0].Payload, &resp))
	assert.EqualValues(t, 5, resp.GetAggregatedPayloadSize())
}

func TestInvoker_ClientStreamWithoutInitialPayload(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "StreamingInputCall"),
		Endpoint: testAddr,
	})
	require.NoError(t, err)
	require.NoError(t, h.Commit())

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventData, transport.EventEnd}, kinds(events))
}

func TestInvoker_BidiStream(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "FullDuplexCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"payload": {"body": "AQ=="}}`),
	})
	require.NoError(t, err)

	// The echo arrives before the client commits.
	first := next(t, h)
	assert.Equal(t, transport.EventData, first.Kind)
	assert.True(t, first.Stream)

	require.NoError(t, h.Write([]byte(`{"payload": {"body": "AgI="}}`)))
	second := next(t, h)
	assert.Equal(t, transport.EventData, second.Kind)

	var resp testpb.StreamingOutputCallResponse
	require.NoError(t, protojson.Unmarshal(second.Payload, &resp))
	assert.Equal(t, []byte{2, 2}, resp.GetPayload().GetBody())

	require.NoError(t, h.Commit())
	assert.Equal(t, []transport.EventKind{transport.EventEnd}, kinds(collect(t, h)))
}

func TestInvoker_BidiServerError(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "FullDuplexCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"responseStatus": {"code": 9, "message": "not now"}}`),
	})
	require.NoError(t, err)

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventError, transport.EventEnd}, kinds(events))
	assert.Equal(t, codes.FailedPrecondition, status.Code(events[0].Err))
}

func TestInvoker_Cancel(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "FullDuplexCall"),
		Endpoint: testAddr,
	})
	require.NoError(t, err)

	h.Cancel()
	h.Cancel()

	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventError, transport.EventEnd}, kinds(events))
	assert.Equal(t, codes.Canceled, status.Code(events[0].Err))

	assert.ErrorIs(t, h.Write([]byte(`{}`)), transport.ErrClosed)
}

func TestInvoker_SynchronousErrors(t *testing.T) {
	inv := newTestInvoker(t)

	_, err := inv.Send(context.Background(), transport.Call{
		Endpoint: testAddr,
	})
	assert.ErrorIs(t, err, qerrors.ErrMethodNotFound)

	_, err = inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: testAddr,
		Payload:  []byte(`{"responseSize": "lots"`),
	})
	assert.ErrorIs(t, err, qerrors.ErrInvalidPayload)

	_, err = inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: "  ",
	})
	assert.ErrorIs(t, err, qerrors.ErrInvalidEndpoint)
}

func TestInvoker_UnaryRejectsWrites(t *testing.T) {
	inv := newTestInvoker(t)

	h, err := inv.Send(context.Background(), transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: testAddr,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Write([]byte(`{}`)), transport.ErrNotClientStream)
	assert.ErrorIs(t, h.Commit(), transport.ErrNotClientStream)
	collect(t, h)
}

func TestInvoker_TLS(t *testing.T) {
	certPEM, keyPEM := transporttest.SelfSigned(t, "localhost")
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newTestServer(grpc.Creds(credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{pair}})))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	inv := newTestInvoker(t)
	call := transport.Call{
		Method:   testMethod(t, "UnaryCall"),
		Endpoint: lis.Addr().String(),
		Security: &transport.Security{RootCert: certPEM, ServerName: "localhost"},
		Payload:  []byte(`{"responseSize": 1}`),
	}

	h, err := inv.Send(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []transport.EventKind{transport.EventData, transport.EventEnd}, kinds(collect(t, h)))

	// Plaintext against a TLS server fails as an event, not synchronously.
	call.Security = nil
	h, err = inv.Send(context.Background(), call)
	require.NoError(t, err)
	events := collect(t, h)
	require.Equal(t, []transport.EventKind{transport.EventError, transport.EventEnd}, kinds(events))
	assert.Equal(t, codes.Unavailable, status.Code(events[0].Err))
}

func TestConnectionPool_Reuse(t *testing.T) {
	pool := NewConnectionPool(testLogger)

	a, err := pool.Conn(testAddr, nil)
	require.NoError(t, err)
	b, err := pool.Conn(testAddr, nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Len())

	c, err := pool.Conn(testAddr, &transport.Security{SystemRoots: true})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, pool.Len())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())
}

func TestDial_BadTLSMaterial(t *testing.T) {
	_, err := Dial(testAddr, &transport.Security{RootCert: []byte("not a pem")})
	assert.ErrorIs(t, err, qerrors.ErrInvalidTLS)
}
