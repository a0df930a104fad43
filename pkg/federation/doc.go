// Package federation keeps the registry of trust anchors for federated
// organizations: the public key material used to validate content signed
// by a remote organization, with an ACTIVE/REVOKED lifecycle per org.
package federation
