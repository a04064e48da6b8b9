package grpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/shhac/quill/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	testpb "google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Package-level test infrastructure shared by all tests.
var (
	testAddr   string
	testServer *grpc.Server
	testLogger *slog.Logger
)

// testService implements the interop TestService with simple echo semantics.
type testService struct {
	testpb.UnimplementedTestServiceServer
}

// UnaryCall returns a body of the requested size and the caller's x-user header.
func (s *testService) UnaryCall(ctx context.Context, req *testpb.SimpleRequest) (*testpb.SimpleResponse, error) {
	if st := req.GetResponseStatus(); st != nil && st.GetCode() != 0 {
		return nil, status.Error(codes.Code(st.GetCode()), st.GetMessage())
	}

	resp := &testpb.SimpleResponse{
		Payload: &testpb.Payload{Body: make([]byte, req.GetResponseSize())},
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if users := md.Get("x-user"); len(users) > 0 {
			resp.Username = users[0]
		}
	}
	return resp, nil
}

// StreamingOutputCall sends one message per response parameter.
func (s *testService) StreamingOutputCall(req *testpb.StreamingOutputCallRequest, stream testpb.TestService_StreamingOutputCallServer) error {
	for _, p := range req.GetResponseParameters() {
		if err := stream.Send(&testpb.StreamingOutputCallResponse{
			Payload: &testpb.Payload{Body: make([]byte, p.GetSize())},
		}); err != nil {
			return err
		}
	}
	return nil
}

// StreamingInputCall sums the payload sizes it receives.
func (s *testService) StreamingInputCall(stream testpb.TestService_StreamingInputCallServer) error {
	var total int32
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&testpb.StreamingInputCallResponse{
				AggregatedPayloadSize: total,
			})
		}
		if err != nil {
			return err
		}
		total += int32(len(req.GetPayload().GetBody()))
	}
}

// FullDuplexCall echoes each request's payload back immediately.
func (s *testService) FullDuplexCall(stream testpb.TestService_FullDuplexCallServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if st := req.GetResponseStatus(); st != nil && st.GetCode() != 0 {
			return status.Error(codes.Code(st.GetCode()), st.GetMessage())
		}
		if err := stream.Send(&testpb.StreamingOutputCallResponse{
			Payload: req.GetPayload(),
		}); err != nil {
			return err
		}
	}
}

func newTestServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	testpb.RegisterTestServiceServer(s, &testService{})
	reflection.Register(s)
	return s
}

func TestMain(m *testing.M) {
	// Listen on an ephemeral port.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		os.Exit(1)
	}
	testAddr = lis.Addr().String()

	testServer = newTestServer()
	go func() {
		if err := testServer.Serve(lis); err != nil {
			fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		}
	}()

	testLogger = logging.NewNopLogger()

	code := m.Run()

	testServer.Stop()
	os.Exit(code)
}
