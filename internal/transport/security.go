package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/shhac/quill/internal/domain"
	qerrors "github.com/shhac/quill/internal/errors"
)

// Security is resolved TLS material. A nil *Security means plaintext.
type Security struct {
	// SystemRoots verifies the server against the system pool.
	SystemRoots bool
	// RootCert is a PEM bundle of trusted roots. Ignored with SystemRoots.
	RootCert []byte
	// CertChain and PrivateKey enable client authentication; both or neither.
	CertChain  []byte
	PrivateKey []byte
	// ServerName overrides the name used for SNI and verification.
	ServerName string
}

// LoadSecurity reads the PEM files named by settings.
// A nil settings value yields a nil Security.
func LoadSecurity(settings *domain.TLSSettings) (*Security, error) {
	if settings == nil {
		return nil, nil
	}

	sec := &Security{
		SystemRoots: settings.UseSystemRoots,
		ServerName:  settings.ServerName,
	}

	read := func(path, what string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", qerrors.ErrInvalidTLS, what, err)
		}
		return data, nil
	}

	var err error
	if !sec.SystemRoots {
		if sec.RootCert, err = read(settings.CertFile, "root certificate"); err != nil {
			return nil, err
		}
	}
	if sec.CertChain, err = read(settings.ClientCertFile, "certificate chain"); err != nil {
		return nil, err
	}
	if sec.PrivateKey, err = read(settings.ClientKeyFile, "private key"); err != nil {
		return nil, err
	}
	return sec, nil
}

// TLSConfig builds the client TLS configuration for sec.
func TLSConfig(sec *Security) (*tls.Config, error) {
	if sec == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: sec.ServerName,
	}

	if !sec.SystemRoots && len(sec.RootCert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(sec.RootCert) {
			return nil, fmt.Errorf("%w: root certificate contains no PEM certificates", qerrors.ErrInvalidTLS)
		}
		cfg.RootCAs = pool
	}

	switch {
	case len(sec.CertChain) > 0 && len(sec.PrivateKey) > 0:
		pair, err := tls.X509KeyPair(sec.CertChain, sec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: client key pair: %v", qerrors.ErrInvalidTLS, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	case len(sec.CertChain) > 0 || len(sec.PrivateKey) > 0:
		return nil, fmt.Errorf("%w: certificate chain and private key must be provided together", qerrors.ErrInvalidTLS)
	}

	return cfg, nil
}
