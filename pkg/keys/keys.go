// Package keys defines the signature schemes accepted for witnesses and
// federation trust anchors. Public keys travel as "<scheme>:<base64>" strings
// and are resolved to a concrete PublicKey variant at parse time.
package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Scheme names a signature algorithm
type Scheme string

const (
	SchemeEd25519   Scheme = "ed25519"
	SchemeECDSAP256 Scheme = "ecdsa-p256"
)

var (
	ErrUnknownScheme = errors.New("keys: unknown signature scheme")
	ErrMalformedKey  = errors.New("keys: malformed public key")
)

// PublicKey is implemented only by the variants in this package.
type PublicKey interface {
	Scheme() Scheme
	Verify(message, signature []byte) bool
	// String returns the canonical "<scheme>:<base64>" encoding.
	String() string
	sealed()
}

// Ed25519PublicKey is a raw 32-byte Ed25519 key
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

func (k Ed25519PublicKey) Scheme() Scheme { return SchemeEd25519 }

func (k Ed25519PublicKey) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(k.key, message, signature)
}

func (k Ed25519PublicKey) String() string {
	return string(SchemeEd25519) + ":" + base64.StdEncoding.EncodeToString(k.key)
}

func (Ed25519PublicKey) sealed() {}

// ECDSAP256PublicKey is a P-256 key; signatures are ASN.1 DER over SHA-256.
type ECDSAP256PublicKey struct {
	key *ecdsa.PublicKey
	der []byte
}

func (k ECDSAP256PublicKey) Scheme() Scheme { return SchemeECDSAP256 }

func (k ECDSAP256PublicKey) Verify(message, signature []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(k.key, digest[:], signature)
}

func (k ECDSAP256PublicKey) String() string {
	return string(SchemeECDSAP256) + ":" + base64.StdEncoding.EncodeToString(k.der)
}

func (ECDSAP256PublicKey) sealed() {}

// Parse decodes an encoded public key
func Parse(encoded string) (PublicKey, error) {
	scheme, body, ok := strings.Cut(encoded, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme prefix", ErrMalformedKey)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	switch Scheme(scheme) {
	case SchemeEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d", ErrMalformedKey, ed25519.PublicKeySize, len(raw))
		}
		return Ed25519PublicKey{key: ed25519.PublicKey(raw)}, nil

	case SchemeECDSAP256:
		parsed, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		pub, ok := parsed.(*ecdsa.PublicKey)
		if !ok || pub.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: not a P-256 key", ErrMalformedKey)
		}
		return ECDSAP256PublicKey{key: pub, der: raw}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// FromEd25519 wraps a raw Ed25519 public key
func FromEd25519(pub ed25519.PublicKey) PublicKey {
	return Ed25519PublicKey{key: pub}
}

// FromECDSA wraps a P-256 public key
func FromECDSA(pub *ecdsa.PublicKey) (PublicKey, error) {
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrMalformedKey)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return ECDSAP256PublicKey{key: pub, der: der}, nil
}

// Signer produces signatures matching one of the supported schemes. Used by
// the CLI and by tests that need witnesses with real keys.
type Signer interface {
	Public() PublicKey
	Sign(message []byte) ([]byte, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

// GenerateEd25519 creates a fresh Ed25519 signer
func GenerateEd25519() (Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return ed25519Signer{priv: priv}, nil
}

// Ed25519SignerFromSeed rebuilds a signer from a 32-byte seed
func Ed25519SignerFromSeed(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrMalformedKey, ed25519.SeedSize)
	}
	return ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s ed25519Signer) Public() PublicKey {
	return FromEd25519(s.priv.Public().(ed25519.PublicKey))
}

func (s ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
	pub  PublicKey
}

// GenerateECDSAP256 creates a fresh P-256 signer
func GenerateECDSAP256() (Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %w", err)
	}
	pub, err := FromECDSA(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return ecdsaSigner{priv: priv, pub: pub}, nil
}

func (s ecdsaSigner) Public() PublicKey { return s.pub }

func (s ecdsaSigner) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
}
