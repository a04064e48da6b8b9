// Package reflection loads schemas from servers that expose the gRPC
// server reflection service.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jhump/protoreflect/grpcreflect"
	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/schema"
	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Client wraps gRPC reflection operations with permissive error handling.
// It auto-detects v1/v1alpha reflection protocols. Services the resolver
// rejects are fetched again as raw descriptors and built leniently, so
// broken or incomplete schemas still produce a tree.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
}

// NewClient creates a new reflection client for the given connection.
func NewClient(conn grpc.ClientConnInterface, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger,
	}
}

// isReflectionService reports whether name is one of the reflection
// services themselves.
func isReflectionService(name string) bool {
	return name == "grpc.reflection.v1alpha.ServerReflection" ||
		name == "grpc.reflection.v1.ServerReflection"
}

// Tree returns the schema served by the remote end.
func (c *Client) Tree(ctx context.Context) (*schema.Tree, error) {
	files, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	return schema.NewTree(files...), nil
}

// Files returns the files declaring every service the server lists,
// except the reflection service itself.
func (c *Client) Files(ctx context.Context) ([]protoreflect.FileDescriptor, error) {
	c.logger.Debug("listing services via reflection")

	refClient := grpcreflect.NewClientAuto(ctx, c.conn)
	defer refClient.Reset()

	// Configure for permissive operation (critical for broken servers)
	refClient.AllowFallbackResolver(protoregistry.GlobalFiles, protoregistry.GlobalTypes)
	refClient.AllowMissingFileDescriptors()

	names, err := refClient.ListServices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrReflectionUnavailable, err)
	}

	var (
		files      []protoreflect.FileDescriptor
		unresolved []string
	)
	for _, name := range names {
		if isReflectionService(name) {
			c.logger.Debug("skipping internal reflection service", slog.String("service", name))
			continue
		}

		sd, err := refClient.ResolveService(name)
		if err != nil {
			c.logger.Warn("failed to resolve service, retrying leniently",
				slog.String("service", name),
				slog.Any("error", err),
			)
			unresolved = append(unresolved, name)
			continue
		}
		files = append(files, sd.GetFile().UnwrapFile())
	}

	if len(unresolved) > 0 {
		lenient, err := c.lenientFiles(ctx, unresolved)
		if err != nil {
			return nil, err
		}
		files = append(files, lenient...)
	}

	c.logger.Info("discovered services",
		slog.Int("count", len(names)),
		slog.Int("files", len(files)),
	)
	return files, nil
}

// lenientFiles fetches the raw descriptors behind symbols and builds them
// with unresolvable references left as placeholders.
func (c *Client) lenientFiles(ctx context.Context, symbols []string) ([]protoreflect.FileDescriptor, error) {
	protos, err := c.fetchProtos(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrReflectionUnavailable, err)
	}
	return schema.BuildFiles(protos)
}

// fetchProtos asks the server for the files containing symbols and,
// transitively, the files they import. Files the server cannot provide
// are skipped.
func (c *Client) fetchProtos(ctx context.Context, symbols []string) ([]*descriptorpb.FileDescriptorProto, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := reflectionpb.NewServerReflectionClient(c.conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.CloseSend() }()

	var (
		protos    []*descriptorpb.FileDescriptorProto
		have      = make(map[string]bool)
		requested = make(map[string]bool)
		pending   []string
	)

	collect := func(resp *reflectionpb.ServerReflectionResponse) error {
		for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
			fdp := new(descriptorpb.FileDescriptorProto)
			if err := proto.Unmarshal(raw, fdp); err != nil {
				return fmt.Errorf("%w: %w", qerrors.ErrInvalidDescriptor, err)
			}
			if have[fdp.GetName()] {
				continue
			}
			have[fdp.GetName()] = true
			protos = append(protos, fdp)
			pending = append(pending, fdp.GetDependency()...)
		}
		return nil
	}

	ask := func(req *reflectionpb.ServerReflectionRequest, what string) error {
		if err := stream.Send(req); err != nil {
			return err
		}
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		if e := resp.GetErrorResponse(); e != nil {
			c.logger.Debug("reflection lookup failed",
				slog.String("name", what),
				slog.String("error", e.GetErrorMessage()),
			)
			return nil
		}
		return collect(resp)
	}

	for _, sym := range symbols {
		req := &reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: sym},
		}
		if err := ask(req, sym); err != nil {
			return nil, err
		}
	}

	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		if have[name] || requested[name] {
			continue
		}
		requested[name] = true

		req := &reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_FileByFilename{FileByFilename: name},
		}
		if err := ask(req, name); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}

	return protos, nil
}
