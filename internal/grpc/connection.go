// Package grpc implements the native channel transport on top of grpc-go
// and dynamic messages.
package grpc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Dial creates a client connection for endpoint. A nil sec dials in plaintext.
func Dial(endpoint string, sec *transport.Security) (*grpc.ClientConn, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is empty", qerrors.ErrInvalidEndpoint)
	}

	// Keepalive tuned for an interactive client with long idle periods
	kaParams := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kaParams),
	}

	if sec == nil {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		cfg, err := transport.TLSConfig(sec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	}

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", qerrors.ErrInvalidEndpoint, endpoint, err)
	}
	return conn, nil
}

// ConnectionPool shares client connections between calls to the same
// endpoint with the same TLS material.
type ConnectionPool struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewConnectionPool creates an empty pool.
func NewConnectionPool(logger *slog.Logger) *ConnectionPool {
	return &ConnectionPool{
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Conn returns a cached connection or dials a new one.
func (p *ConnectionPool) Conn(endpoint string, sec *transport.Security) (*grpc.ClientConn, error) {
	key := poolKey(endpoint, sec)

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[key]; ok {
		return conn, nil
	}

	conn, err := Dial(endpoint, sec)
	if err != nil {
		p.logger.Error("failed to create gRPC client",
			slog.String("address", endpoint),
			slog.Any("error", err),
		)
		return nil, err
	}

	if sec == nil {
		p.logger.Warn("using insecure plaintext connection", slog.String("address", endpoint))
	}
	p.logger.Info("gRPC client created",
		slog.String("address", endpoint),
		slog.Bool("tls", sec != nil),
	)

	p.conns[key] = conn
	return conn, nil
}

// Len returns the number of open connections.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every pooled connection.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close connection",
				slog.String("address", conn.Target()),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(p.conns, key)
	}
	return firstErr
}

func poolKey(endpoint string, sec *transport.Security) string {
	endpoint = strings.TrimSpace(endpoint)
	if sec == nil {
		return endpoint
	}

	h := sha256.New()
	fmt.Fprintf(h, "%t|%s|", sec.SystemRoots, sec.ServerName)
	for _, part := range [][]byte{sec.RootCert, sec.CertChain, sec.PrivateKey} {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return endpoint + "#" + hex.EncodeToString(h.Sum(nil))
}
