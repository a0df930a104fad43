// Package policy is the enforcement hook consulted before privileged
// mutations such as revoking a signer.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleMember   Role = "member"
	RoleSecurity Role = "security"
	RoleAdmin    Role = "admin"
)

// Operation names used by the trust subsystems.
const (
	OpRevokeSigner   = "revocation.revoke_signer"
	OpRevokeInvite   = "revocation.revoke_invite"
	OpRevokeAnchor   = "federation.revoke_anchor"
	OpBanWitness     = "witness.ban"
	OpAddTrustAnchor = "federation.add_anchor"
)

// ErrDenied matches every *DeniedError via errors.Is
var ErrDenied = errors.New("policy: denied")

// Actor identifies who is asking
type Actor struct {
	ID   string
	Role Role
}

// Request is the input to Enforce
type Request struct {
	Operation string
	Actor     Actor
	Namespace string
	At        time.Time
}

// Decision is returned when a request is permitted
type Decision struct {
	// RecordAudit asks the caller to mark the resulting audit event immutable.
	RecordAudit bool
}

// DeniedError carries the authorization reason
type DeniedError struct {
	Operation string
	ActorID   string
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy: %s denied for %q: %s", e.Operation, e.ActorID, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Enforcer permits a request or fails it with a *DeniedError
type Enforcer interface {
	Enforce(ctx context.Context, req Request) (Decision, error)
}

// RoleEnforcer maps operations to the roles allowed to perform them.
// Operations without a rule are denied.
type RoleEnforcer struct {
	rules   map[string][]Role
	audited map[string]bool
}

// NewRoleEnforcer returns an enforcer with the default rule table
func NewRoleEnforcer() *RoleEnforcer {
	e := &RoleEnforcer{
		rules:   make(map[string][]Role),
		audited: make(map[string]bool),
	}
	e.Allow(OpRevokeSigner, RoleSecurity, RoleAdmin)
	e.Allow(OpRevokeInvite, RoleMember, RoleSecurity, RoleAdmin)
	e.Allow(OpRevokeAnchor, RoleSecurity, RoleAdmin)
	e.Allow(OpAddTrustAnchor, RoleAdmin)
	e.Allow(OpBanWitness, RoleSecurity, RoleAdmin)
	e.RequireAudit(OpRevokeSigner, OpRevokeAnchor, OpBanWitness)
	return e
}

// Allow replaces the roles permitted for op
func (e *RoleEnforcer) Allow(op string, roles ...Role) {
	e.rules[op] = roles
}

// RequireAudit marks operations whose audit events must be kept immutable
func (e *RoleEnforcer) RequireAudit(ops ...string) {
	for _, op := range ops {
		e.audited[op] = true
	}
}

func (e *RoleEnforcer) Enforce(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.Actor.ID == "" {
		return Decision{}, &DeniedError{Operation: req.Operation, Reason: "anonymous actor"}
	}

	roles, ok := e.rules[req.Operation]
	if !ok {
		return Decision{}, &DeniedError{Operation: req.Operation, ActorID: req.Actor.ID, Reason: "no rule for operation"}
	}
	for _, r := range roles {
		if r == req.Actor.Role {
			return Decision{RecordAudit: e.audited[req.Operation]}, nil
		}
	}
	return Decision{}, &DeniedError{
		Operation: req.Operation,
		ActorID:   req.Actor.ID,
		Reason:    fmt.Sprintf("role %q not permitted", req.Actor.Role),
	}
}

// AllowAll permits everything; for local tooling without an identity model.
type AllowAll struct{}

func (AllowAll) Enforce(context.Context, Request) (Decision, error) {
	return Decision{}, nil
}

// NormalizeRole maps unknown role names to viewer
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleSecurity, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
