// Package auth builds the TLS configuration of the replica transport and
// identifies peers by their client certificates.
package auth

import (
	"errors"
	"time"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCA    = errors.New("invalid CA certificate")
)

// Identity is the authenticated peer of a replica connection
type Identity struct {
	CommonName   string
	Organization string
	SerialNumber string
	NotAfter     time.Time
}

// TLSConfig holds transport security settings
type TLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	CAPath            string   `json:"ca_cert" yaml:"ca_cert"`
	CertPath          string   `json:"cert" yaml:"cert"`
	KeyPath           string   `json:"key" yaml:"key"`
	ServerName        string   `json:"server_name,omitempty" yaml:"server_name"`
	RequireClientAuth bool     `json:"require_client_auth" yaml:"require_client_auth"`
	AllowedOrgs       []string `json:"allowed_orgs,omitempty" yaml:"allowed_orgs"`
	MinTLSVersion     string   `json:"min_tls_version,omitempty" yaml:"min_tls_version"`
}

// DefaultTLSConfig returns transport security disabled
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		Enabled:       false,
		MinTLSVersion: "1.2",
	}
}

// Validate checks if the TLS configuration is usable
func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CAPath == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}

	if (c.CertPath == "") != (c.KeyPath == "") {
		return errors.New("certificate and key paths must be set together")
	}

	switch c.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return errors.New("min_tls_version must be 1.2 or 1.3")
	}

	return nil
}
