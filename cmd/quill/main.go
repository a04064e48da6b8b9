package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shhac/quill/internal/app"
	"github.com/shhac/quill/internal/call"
	"github.com/shhac/quill/internal/domain"
	qerrors "github.com/shhac/quill/internal/errors"
)

const rootUsage = `quill - call any gRPC method from its schema

USAGE:
  quill <command> [flags] [method]

COMMANDS:
  list             List the services and methods of a schema
  mock <method>    Print an example request for a method
  call <method>    Call a method and print its responses
  help             Show help for any command

Methods are written package.Service/Method. Flags go before the method.
`

const schemaUsage = `SCHEMA FLAGS (exactly one source):
  -proto <file>               .proto file to load. Repeatable
  -import-path <dir>          Directory searched for imports. Repeatable;
                              QUILL_IMPORT_PATHS is searched first
  -descriptor-set <file>      Serialized FileDescriptorSet
  -reflect                    Ask the server at -addr for its schema
`

const targetUsage = `TARGET FLAGS:
  -addr <host:port|url>       Server address; an http(s) URL with -web
  -web                        Use gRPC-Web instead of native gRPC
  -tls-system                 Use TLS verified against the system roots
  -tls-root <file>            Use TLS verified against this PEM bundle
  -tls-cert <file>            Client certificate chain for mutual TLS
  -tls-key <file>             Client private key for mutual TLS
  -tls-server-name <name>     Override the name verified and sent as SNI
`

const callUsage = `call FLAGS:
  -data <json|@file>          Request message; defaults to a generated example.
                              A top-level {"stream": [...]} sends one message
                              per element on client-streaming methods
  -metadata <json>            Request metadata as a JSON object
  -interactive                Client streams: after -data, read one message per
                              line from stdin and finish at end of input
  -timeout <duration>         Cancel the call after this long (QUILL_DEFAULT_TIMEOUT)
`

func main() {
	c := &cli{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		newApp: func(cfg *app.Config) (*app.App, error) { return app.New(cfg) },
	}
	if err := c.runApp(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the process environment so commands can be run in tests.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	newApp func(*app.Config) (*app.App, error)
}

// runApp is the entry point with panic recovery.
func (c *cli) runApp(args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.New(slog.NewTextHandler(c.stderr, nil)).Error("panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.run(args)
}

func (c *cli) run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "list":
		return c.cmdList(cmdArgs)
	case "mock":
		return c.cmdMock(cmdArgs)
	case "call":
		return c.cmdCall(cmdArgs)
	case "help", "-h", "-help", "--help":
		return c.cmdHelp(cmdArgs)
	default:
		fmt.Fprint(c.stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "list", "mock":
		fmt.Fprint(c.stdout, schemaUsage+targetUsage)
	case "call":
		fmt.Fprint(c.stdout, schemaUsage+targetUsage+callUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// commonFlags are the schema and target flags every command accepts.
type commonFlags struct {
	protos        stringListFlag
	importPaths   stringListFlag
	descriptorSet string
	reflect       bool

	addr          string
	web           bool
	tlsSystem     bool
	tlsRoot       string
	tlsCert       string
	tlsKey        string
	tlsServerName string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.Var(&f.protos, "proto", ".proto file to load")
	fs.Var(&f.importPaths, "import-path", "Directory searched for imports")
	fs.StringVar(&f.descriptorSet, "descriptor-set", "", "Serialized FileDescriptorSet")
	fs.BoolVar(&f.reflect, "reflect", false, "Load the schema through server reflection")
	fs.StringVar(&f.addr, "addr", "", "Server address")
	fs.BoolVar(&f.web, "web", false, "Use gRPC-Web")
	fs.BoolVar(&f.tlsSystem, "tls-system", false, "Use TLS with the system roots")
	fs.StringVar(&f.tlsRoot, "tls-root", "", "PEM bundle of trusted roots")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "Client certificate chain")
	fs.StringVar(&f.tlsKey, "tls-key", "", "Client private key")
	fs.StringVar(&f.tlsServerName, "tls-server-name", "", "TLS server name override")
}

func (f *commonFlags) tls() *domain.TLSSettings {
	if !f.tlsSystem && f.tlsRoot == "" && f.tlsCert == "" && f.tlsKey == "" && f.tlsServerName == "" {
		return nil
	}
	return &domain.TLSSettings{
		UseSystemRoots: f.tlsSystem,
		CertFile:       f.tlsRoot,
		ClientCertFile: f.tlsCert,
		ClientKeyFile:  f.tlsKey,
		ServerName:     f.tlsServerName,
	}
}

func (f *commonFlags) connection() domain.Connection {
	return domain.Connection{Address: f.addr, Web: f.web, TLS: f.tls()}
}

func (f *commonFlags) source() app.SchemaSource {
	return app.SchemaSource{
		ProtoFiles:    f.protos,
		ImportPaths:   f.importPaths,
		DescriptorSet: f.descriptorSet,
		Reflect:       f.reflect,
		Connection:    f.connection(),
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer)) // silence automatic output
	return fs
}

// open builds the app from the environment and loads the schema.
func (c *cli) open(ctx context.Context, f *commonFlags) (*app.App, error) {
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	a, err := c.newApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}

	if _, err := a.LoadSchema(ctx, f.source()); err != nil {
		_ = a.Close()
		return nil, c.describe(err)
	}
	diags, _ := a.State().Diagnostics.Get()
	for _, d := range diags {
		fmt.Fprintf(c.stderr, "warning: %s\n", d)
	}
	return a, nil
}

// describe renders err the way the operator sees it.
func (c *cli) describe(err error) error {
	var verr qerrors.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return errors.New(qerrors.Describe(err))
}

func (c *cli) cmdList(args []string) error {
	var f commonFlags
	fs := newFlagSet("list")
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(c.stderr, schemaUsage+targetUsage)
		return err
	}

	a, err := c.open(context.Background(), &f)
	if err != nil {
		return err
	}
	defer a.Close()

	services, _ := a.Catalog()
	for _, svc := range services {
		fmt.Fprintln(c.stdout, svc.FullName)
		if svc.Error != "" {
			fmt.Fprintf(c.stdout, "  (%s)\n", svc.Error)
		}
		for _, m := range svc.Methods {
			fmt.Fprintf(c.stdout, "  %s(%s) returns (%s) [%s]\n", m.Name, m.InputType, m.OutputType, m.MethodType())
		}
	}
	return nil
}

func (c *cli) cmdMock(args []string) error {
	var f commonFlags
	fs := newFlagSet("mock")
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(c.stderr, schemaUsage+targetUsage)
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("mock needs exactly one method")
	}

	a, err := c.open(context.Background(), &f)
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := a.Mock(fs.Arg(0))
	if err != nil {
		return c.describe(err)
	}
	fmt.Fprintln(c.stdout, string(payload))
	return nil
}

func (c *cli) cmdCall(args []string) error {
	var (
		f           commonFlags
		data        string
		mdText      string
		interactive bool
		timeout     time.Duration
	)
	fs := newFlagSet("call")
	f.register(fs)
	fs.StringVar(&data, "data", "", "Request message, or @file")
	fs.StringVar(&mdText, "metadata", "", "Request metadata as a JSON object")
	fs.BoolVar(&interactive, "interactive", false, "Read client stream messages from stdin")
	fs.DurationVar(&timeout, "timeout", 0, "Cancel the call after this long")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(c.stderr, schemaUsage+targetUsage+callUsage)
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("call needs exactly one method")
	}
	if f.addr == "" {
		return fmt.Errorf("-addr is required")
	}
	method := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := c.open(ctx, &f)
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := readData(data)
	if err != nil {
		return err
	}
	if payload == nil {
		if payload, err = a.Mock(method); err != nil {
			return c.describe(err)
		}
	}

	conn := f.connection()
	env := domain.Environment{
		Name:        "cli",
		Address:     conn.Address,
		Metadata:    mdText,
		Interactive: interactive,
		Web:         conn.Web,
		TLS:         conn.TLS,
		Timeout:     timeout,
	}
	s, err := a.Call(ctx, env, method, payload)
	if err != nil {
		return c.describe(err)
	}
	cancelOnInterrupt := context.AfterFunc(ctx, s.Cancel)
	defer cancelOnInterrupt()

	if interactive && s.Mode().ClientStreams() {
		go c.pump(a.Logger(), s)
	}

	callErr := a.Follow(s, func(ev call.Event) {
		switch ev.Kind {
		case call.EventData:
			fmt.Fprintln(c.stdout, indentJSON(ev.Payload))
		case call.EventError:
			fmt.Fprintf(c.stderr, "error: %s\n", ev.Message)
		case call.EventEnd:
			fmt.Fprintf(c.stderr, "finished in %s\n", ev.Elapsed.Round(time.Millisecond))
		}
	})
	if callErr != nil {
		return fmt.Errorf("call failed")
	}
	return nil
}

// pump writes one client message per non-empty stdin line and commits at
// end of input.
func (c *cli) pump(logger *slog.Logger, s *call.Session) {
	scanner := bufio.NewScanner(c.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.Write(append([]byte(nil), line...)); err != nil {
			logger.Debug("stopped reading stdin", slog.Any("error", err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("failed to read stdin", slog.Any("error", err))
	}
	if err := s.Commit(); err != nil {
		logger.Debug("commit skipped", slog.Any("error", err))
	}
}

// readData resolves the -data flag. Empty means no payload was given.
func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read -data file: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
