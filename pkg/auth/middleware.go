package auth

import (
	"context"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const identityContextKey contextKey = "identity"

// IdentityFromCert extracts the identity carried by a certificate
func IdentityFromCert(cert *x509.Certificate) *Identity {
	id := &Identity{
		CommonName:   cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotAfter:     cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		id.Organization = cert.Subject.Organization[0]
	}
	return id
}

// IdentityFromContext returns the peer identity stored by the interceptor
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// UnaryServerInterceptor attaches the TLS peer's identity to the request
// context. With requireAuth, requests without a client certificate fail
// with Unauthenticated.
func UnaryServerInterceptor(requireAuth bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		identity, err := authenticateFromTLS(ctx)
		if err != nil {
			if requireAuth {
				return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
			}
			return handler(ctx, req)
		}
		return handler(context.WithValue(ctx, identityContextKey, identity), req)
	}
}

func authenticateFromTLS(ctx context.Context) (*Identity, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no peer information")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil, fmt.Errorf("connection is not using TLS")
	}

	if len(tlsInfo.State.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no client certificate")
	}

	return IdentityFromCert(tlsInfo.State.PeerCertificates[0]), nil
}
