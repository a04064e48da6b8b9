package domain

import "time"

// Connection holds the target settings for a single call
type Connection struct {
	Address string
	Web     bool          // Use the gRPC-Web transport instead of native HTTP/2
	Timeout time.Duration // Zero means no deadline

	// TLS configuration; nil means plaintext
	TLS *TLSSettings
}

// TLSSettings holds detailed TLS configuration.
// File paths point at PEM encoded material.
type TLSSettings struct {
	UseSystemRoots bool   // Verify against the system pool instead of CertFile
	CertFile       string // Path to root CA certificate
	ClientCertFile string // Path to client certificate chain (mTLS)
	ClientKeyFile  string // Path to client private key (mTLS)
	ServerName     string // Overrides the name used for verification and SNI
}
