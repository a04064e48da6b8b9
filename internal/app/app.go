// Package app wires the schema loaders, the example synthesizer and the
// call orchestrator into one operator session.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/shhac/quill/internal/call"
	"github.com/shhac/quill/internal/domain"
	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/grpc"
	"github.com/shhac/quill/internal/grpcweb"
	"github.com/shhac/quill/internal/logging"
	"github.com/shhac/quill/internal/mock"
	"github.com/shhac/quill/internal/model"
	"github.com/shhac/quill/internal/reflection"
	"github.com/shhac/quill/internal/schema"
	"github.com/shhac/quill/internal/telemetry"
	"github.com/shhac/quill/internal/transport"
	"google.golang.org/grpc/metadata"
)

// App is the main application coordinator, responsible for wiring
// together all components and managing their lifecycle.
type App struct {
	config       *Config
	logger       *slog.Logger
	closers      []func(context.Context) error
	pool         *grpc.ConnectionPool
	orchestrator *call.Orchestrator
	synth        *mock.Synthesizer
	state        *model.ApplicationState

	mu   sync.RWMutex
	tree *schema.Tree
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger uses logger instead of opening the log file.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new App instance with the given configuration.
// This performs all dependency injection and wiring.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{config: cfg, state: model.NewApplicationState()}

	a.logger = o.logger
	if a.logger == nil {
		logger, closer, err := logging.InitLogger("quill", cfg.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = logger
		a.closers = append(a.closers, closeWith(closer))
	}

	a.logger.Info("initializing quill",
		slog.Bool("debug", cfg.Debug),
		slog.Int("max_depth", cfg.MaxDepth),
		slog.Bool("tracing", cfg.OTLPEndpoint != ""),
	)

	shutdown, err := telemetry.Setup(cfg.OTLPEndpoint, "quill")
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	a.pool = grpc.NewConnectionPool(a.logger)
	a.closers = append(a.closers, func(context.Context) error { return a.pool.Close() })

	a.orchestrator = call.NewOrchestrator(
		grpc.NewInvoker(a.pool, a.logger),
		grpcweb.New(a.logger),
		a.logger,
	)
	a.synth = mock.New(mock.WithMaxDepth(cfg.MaxDepth))

	a.logger.Info("application initialized successfully")
	return a, nil
}

func closeWith(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

// Close releases connections, flushes traces and closes the log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// State returns the presentation state.
func (a *App) State() *model.ApplicationState {
	return a.state
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Config returns the configuration the app was built with.
func (a *App) Config() *Config {
	return a.config
}

// SchemaSource says where to load a schema from. Exactly one of
// ProtoFiles, DescriptorSet and Reflect must be used.
type SchemaSource struct {
	ProtoFiles  []string
	ImportPaths []string // added after Config.ImportPaths

	DescriptorSet string // path to a serialized FileDescriptorSet

	// Reflect asks the server at Connection for its schema.
	Reflect    bool
	Connection domain.Connection
}

// LoadSchema loads a schema, makes it current and publishes its catalog.
func (a *App) LoadSchema(ctx context.Context, src SchemaSource) (*schema.Tree, error) {
	tree, err := a.loadTree(ctx, src)
	if err != nil {
		return nil, err
	}

	services, diags := schema.Catalog(tree)
	messages := make([]string, 0, len(diags))
	for _, d := range diags {
		a.logger.Warn("schema diagnostic", slog.String("diagnostic", d.String()))
		messages = append(messages, d.String())
	}
	if err := a.state.SetCatalog(services, messages); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.tree = tree
	a.mu.Unlock()

	a.logger.Info("schema loaded",
		slog.Int("services", len(services)),
		slog.Int("diagnostics", len(diags)),
	)
	return tree, nil
}

func (a *App) loadTree(ctx context.Context, src SchemaSource) (*schema.Tree, error) {
	used := 0
	for _, set := range []bool{len(src.ProtoFiles) > 0, src.DescriptorSet != "", src.Reflect} {
		if set {
			used++
		}
	}
	if used != 1 {
		return nil, qerrors.ValidationError{Message: "choose exactly one of proto files, a descriptor set or reflection"}
	}

	switch {
	case src.Reflect:
		if src.Connection.Web {
			return nil, qerrors.ValidationError{Message: "reflection is not available over gRPC-Web"}
		}
		sec, err := transport.LoadSecurity(src.Connection.TLS)
		if err != nil {
			return nil, err
		}
		conn, err := a.pool.Conn(src.Connection.Address, sec)
		if err != nil {
			return nil, err
		}
		return reflection.NewClient(conn, a.logger).Tree(ctx)

	case src.DescriptorSet != "":
		data, err := os.ReadFile(src.DescriptorSet)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", qerrors.ErrInvalidDescriptor, err)
		}
		return schema.LoadDescriptorSet(data)

	default:
		paths := append(append([]string(nil), a.config.ImportPaths...), src.ImportPaths...)
		return schema.LoadFiles(paths, src.ProtoFiles...)
	}
}

// Tree returns the current schema, or nil before LoadSchema.
func (a *App) Tree() *schema.Tree {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tree
}

// Catalog lists the services of the current schema.
func (a *App) Catalog() ([]domain.Service, []schema.Diagnostic) {
	tree := a.Tree()
	if tree == nil {
		return nil, nil
	}
	return schema.Catalog(tree)
}

func (a *App) currentTree() (*schema.Tree, error) {
	tree := a.Tree()
	if tree == nil {
		return nil, fmt.Errorf("%w: no schema loaded", qerrors.ErrMethodNotFound)
	}
	return tree, nil
}

// Mock returns the example request payload for the method at path and
// selects it in the request editor.
func (a *App) Mock(path string) ([]byte, error) {
	tree, err := a.currentTree()
	if err != nil {
		return nil, err
	}
	md, err := tree.FindMethod(path)
	if err != nil {
		return nil, err
	}

	payload, err := mock.Marshal(a.synth.Method(md))
	if err != nil {
		return nil, err
	}
	if err := a.state.Select(string(md.Parent().FullName()), string(md.Name()), string(payload)); err != nil {
		return nil, err
	}
	return payload, nil
}

// Call starts the method at path against the target described by env.
// A zero env.Timeout falls back to Config.DefaultTimeout. A nil payload sends the editor's current request text.
// Only a missing schema or method is returned as an error; every other
// failure, including unusable metadata or TLS files, ends the session.
func (a *App) Call(ctx context.Context, env domain.Environment, path string, payload []byte) (*call.Session, error) {
	tree, err := a.currentTree()
	if err != nil {
		return nil, err
	}
	md, err := tree.FindMethod(path)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		text, _ := a.state.Request.TextData.Get()
		payload = []byte(text)
	}

	_ = a.state.CurrentServer.Set(env.Address)
	_ = a.state.Web.Set(env.Web)
	_ = a.state.Request.Interactive.Set(env.Interactive)
	a.state.Response.Begin()

	timeout := env.Timeout
	if timeout == 0 {
		timeout = a.config.DefaultTimeout
	}
	req := call.Request{
		Method:      md,
		Endpoint:    env.Address,
		Payload:     payload,
		Interactive: env.Interactive,
		Web:         env.Web,
		Timeout:     timeout,
	}

	// Bad call material ends the session like any other failure to open it.
	pairs, err := domain.ParseMetadata(env.Metadata)
	if err != nil {
		return a.orchestrator.Reject(ctx, req, qerrors.ValidationError{Field: "metadata", Message: err.Error()}), nil
	}
	if req.Security, err = transport.LoadSecurity(env.TLS); err != nil {
		return a.orchestrator.Reject(ctx, req, err), nil
	}
	req.Metadata = metadata.New(pairs)

	return a.orchestrator.Start(ctx, req), nil
}

// Follow applies every event of s to the response state, passing each to
// fn when fn is non-nil, until the session ends. It returns the error the
// session reported, if any.
func (a *App) Follow(s *call.Session, fn func(call.Event)) error {
	var callErr error
	for ev := range s.Events() {
		if err := a.state.Response.Apply(ev); err != nil {
			a.logger.Debug("response state update failed", slog.Any("error", err))
		}
		if ev.Kind == call.EventError {
			callErr = ev.Err
		}
		if fn != nil {
			fn(ev)
		}
	}
	return callErr
}
