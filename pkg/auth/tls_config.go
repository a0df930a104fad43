package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfigBuilder builds TLS configurations for the replica server and its clients
type TLSConfigBuilder struct {
	config *TLSConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder(config *TLSConfig) (*TLSConfigBuilder, error) {
	if config == nil {
		config = DefaultTLSConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config}, nil
}

// BuildServerConfig creates the replica server's TLS configuration. It
// returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}
	if b.config.CertPath == "" {
		return nil, fmt.Errorf("server certificate is required when TLS is enabled")
	}

	cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := b.base()
	tlsConfig.Certificates = []tls.Certificate{cert}

	if b.config.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		clientCAPool, err := b.loadCAPool(b.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA pool: %w", err)
		}
		tlsConfig.ClientCAs = clientCAPool
		tlsConfig.VerifyPeerCertificate = b.verifyPeerCertificate
	}

	return tlsConfig, nil
}

// BuildClientConfig creates TLS configuration for replica clients. It
// returns nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	if !b.config.Enabled {
		return nil, nil
	}

	caPool, err := b.loadCAPool(b.config.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA pool: %w", err)
	}

	tlsConfig := b.base()
	tlsConfig.RootCAs = caPool
	tlsConfig.ServerName = b.config.ServerName

	// replicas started with require_client_auth reject clients without one
	if b.config.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(b.config.CertPath, b.config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// verifyPeerCertificate restricts clients to the allowed organizations
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}

	id := IdentityFromCert(cert)
	if !orgAllowed(id.Organization, b.config.AllowedOrgs) {
		return fmt.Errorf("%w: organization %q is not allowed to replicate", ErrUnauthorized, id.Organization)
	}
	return nil
}

func orgAllowed(org string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == org {
			return true
		}
	}
	return false
}

// loadCAPool loads a CA certificate pool from file
func (b *TLSConfigBuilder) loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, ErrInvalidCA
	}

	return caPool, nil
}

// base carries the settings shared by both sides of a replica connection
func (b *TLSConfigBuilder) base() *tls.Config {
	minVersion := uint16(tls.VersionTLS12)
	if b.config.MinTLSVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: replicaCipherSuites(),
	}
}

// replicaCipherSuites lists the TLS 1.2 AEAD suites; TLS 1.3 suites are fixed by crypto/tls
func replicaCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
