package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shhac/quill/internal/app"
	"github.com/shhac/quill/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	testpb "google.golang.org/grpc/interop/grpc_testing"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"
)

const greeterProto = `syntax = "proto3";
package demo.v1;

service Greeter {
  rpc Hello(HelloRequest) returns (HelloReply);
  rpc Chat(stream HelloRequest) returns (stream HelloReply);
}

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}
`

type testService struct {
	testpb.UnimplementedTestServiceServer
}

func (testService) StreamingInputCall(stream testpb.TestService_StreamingInputCallServer) error {
	var total int32
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&testpb.StreamingInputCallResponse{AggregatedPayloadSize: total})
		}
		if err != nil {
			return err
		}
		total += int32(len(req.GetPayload().GetBody()))
	}
}

func startServer(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	testpb.RegisterTestServiceServer(s, testService{})
	reflection.Register(s)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	return lis.Addr().String()
}

type harness struct {
	cli    *cli
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newHarness(stdin string) *harness {
	h := &harness{stdout: new(bytes.Buffer), stderr: new(bytes.Buffer)}
	h.cli = &cli{
		stdin:  strings.NewReader(stdin),
		stdout: h.stdout,
		stderr: h.stderr,
		newApp: func(cfg *app.Config) (*app.App, error) {
			return app.New(cfg, app.WithLogger(logging.NewNopLogger()))
		},
	}
	return h
}

func writeProto(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.proto"), []byte(greeterProto), 0o644))
	return dir
}

func TestRun_Usage(t *testing.T) {
	h := newHarness("")
	assert.Error(t, h.cli.run(nil))
	assert.Contains(t, h.stderr.String(), "COMMANDS:")

	h = newHarness("")
	assert.ErrorContains(t, h.cli.run([]string{"bogus"}), `unknown command "bogus"`)

	h = newHarness("")
	require.NoError(t, h.cli.run([]string{"help", "call"}))
	assert.Contains(t, h.stdout.String(), "-interactive")

	h = newHarness("")
	assert.Error(t, h.cli.run([]string{"help", "bogus"}))
}

func TestList(t *testing.T) {
	dir := writeProto(t)
	h := newHarness("")

	require.NoError(t, h.cli.run([]string{"list", "-import-path", dir, "-proto", "greeter.proto"}))
	assert.Equal(t, "demo.v1.Greeter\n"+
		"  Hello(demo.v1.HelloRequest) returns (demo.v1.HelloReply) [Unary]\n"+
		"  Chat(demo.v1.HelloRequest) returns (demo.v1.HelloReply) [BidiStream]\n",
		h.stdout.String())
}

func TestList_NoSource(t *testing.T) {
	h := newHarness("")
	assert.ErrorContains(t, h.cli.run([]string{"list"}), "exactly one")
}

func TestMock(t *testing.T) {
	dir := writeProto(t)

	h := newHarness("")
	require.NoError(t, h.cli.run([]string{"mock", "-import-path", dir, "-proto", "greeter.proto", "demo.v1.Greeter/Hello"}))
	assert.JSONEq(t, `{"name": "Hello"}`, h.stdout.String())

	h = newHarness("")
	require.NoError(t, h.cli.run([]string{"mock", "-import-path", dir, "-proto", "greeter.proto", "demo.v1.Greeter/Chat"}))
	assert.JSONEq(t, `{"stream": [{"name": "Hello"}]}`, h.stdout.String())

	h = newHarness("")
	assert.Error(t, h.cli.run([]string{"mock", "-import-path", dir, "-proto", "greeter.proto"}))
}

func TestCall_ClientStream(t *testing.T) {
	addr := startServer(t)
	h := newHarness("")

	err := h.cli.run([]string{
		"call", "-reflect", "-addr", addr,
		"-data", `{"stream": [{"payload": {"body": "AAA="}}, {"payload": {"body": "AAAA"}}]}`,
		"grpc.testing.TestService/StreamingInputCall",
	})
	require.NoError(t, err, h.stderr.String())

	var resp testpb.StreamingInputCallResponse
	require.NoError(t, protojson.Unmarshal(h.stdout.Bytes(), &resp))
	assert.Equal(t, int32(5), resp.GetAggregatedPayloadSize())
	assert.Contains(t, h.stderr.String(), "finished in")
}

func TestCall_InteractiveFromStdin(t *testing.T) {
	addr := startServer(t)
	h := newHarness("{\"payload\": {\"body\": \"AA==\"}}\n\n{\"payload\": {\"body\": \"AAA=\"}}\n")

	err := h.cli.run([]string{
		"call", "-reflect", "-addr", addr, "-interactive",
		"-data", `{"payload": {"body": "AAAA"}}`,
		"grpc.testing.TestService/StreamingInputCall",
	})
	require.NoError(t, err, h.stderr.String())

	var resp testpb.StreamingInputCallResponse
	require.NoError(t, protojson.Unmarshal(h.stdout.Bytes(), &resp))
	assert.Equal(t, int32(6), resp.GetAggregatedPayloadSize())
}

func TestCall_Failure(t *testing.T) {
	addr := startServer(t)
	h := newHarness("")

	err := h.cli.run([]string{"call", "-reflect", "-addr", addr, "-data", "{}", "grpc.testing.TestService/EmptyCall"})
	require.Error(t, err)
	assert.Contains(t, h.stderr.String(), "error: Method Not Available")
}

func TestCall_RequiresAddress(t *testing.T) {
	h := newHarness("")
	assert.ErrorContains(t, h.cli.run([]string{"call", "-reflect", "demo.v1.Greeter/Hello"}), "-addr")
}

func TestReadData(t *testing.T) {
	b, err := readData("")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = readData(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))

	path := filepath.Join(t.TempDir(), "req.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":2}`), 0o644))
	b, err = readData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(b))

	_, err = readData("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
