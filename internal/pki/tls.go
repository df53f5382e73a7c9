// Package pki builds the mutual-TLS configurations used by the
// ingestion pipeline's transport: client-side for producers dialing the
// remote Ingestion Service, server-side for internal/remotesim's
// reference listener.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// IngestALPN is the ALPN protocol identifier negotiated between an
// ingestion pipeline client and a remotesim listener. Setting it on both
// sides makes the TLS handshake itself reject a client that dials the
// right address but the wrong service — e.g. a stray HTTPS endpoint, or
// a future incompatible wire revision advertising a different
// identifier — before any gob envelope is ever exchanged, rather than
// failing later with a confusing decode error.
const IngestALPN = "dp-jal-ingest/1"

// NewClientTLSConfig builds a TLS 1.3 client configuration with mutual
// authentication: the client presents clientCertPath/clientKeyPath,
// verifies the server against caCertPath, and negotiates IngestALPN.
func NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		NextProtos:   []string{IngestALPN},
	}, nil
}

// NewServerTLSConfig builds a TLS 1.3 server configuration that requires
// and verifies a client certificate (mTLS) and IngestALPN, for
// internal/remotesim's reference listener.
func NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{IngestALPN},
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
