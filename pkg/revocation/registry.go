// Package revocation keeps the per-namespace sets of revoked invite ids and
// revoked signer public keys. Revocation is permanent: there is no way to
// take an id back out of a set.
package revocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trustsync/pkg/audit"
	"trustsync/pkg/keys"
	"trustsync/pkg/metrics"
	"trustsync/pkg/policy"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

// Config wires a Registry. Storage may be nil; see FailOpenWhenUnconfigured.
type Config struct {
	Namespace string
	Storage   storage.Driver

	// FailOpenWhenUnconfigured makes lookups report "not revoked" when no
	// storage is attached instead of returning storage.ErrNotConfigured.
	// Mutations always fail without storage.
	FailOpenWhenUnconfigured bool

	Policy  policy.Enforcer
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Registry maintains the revoked invite and signer sets of one namespace.
// Writes are unguarded read-modify-write cycles; callers serialize per namespace.
type Registry struct {
	ns       string
	store    storage.Driver
	failOpen bool
	policy   policy.Enforcer
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Result describes the outcome of RevokeSigner
type Result struct {
	PublicKey      string
	AlreadyRevoked bool
	AuditImmutable bool
}

// New creates a registry from cfg
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ns:       cfg.Namespace,
		store:    cfg.Storage,
		failOpen: cfg.FailOpenWhenUnconfigured,
		policy:   cfg.Policy,
		audit:    audit.OrNop(cfg.Audit),
		metrics:  cfg.Metrics,
		logger:   logger.With(zap.String("namespace", cfg.Namespace)),
		now:      time.Now,
	}
}

// Namespace returns the namespace this registry serves
func (r *Registry) Namespace() string {
	return r.ns
}

// RevokeInvite adds inviteID to the revoked invite set
func (r *Registry) RevokeInvite(ctx context.Context, inviteID string) error {
	if inviteID == "" {
		return fmt.Errorf("invite id is required")
	}
	added, err := r.add(ctx, storage.RevokedInvitesKey(r.ns), inviteID)
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}

	event := audit.NewEvent(audit.EventInviteRevoked, r.ns, map[string]string{
		"invite_id": inviteID,
		"changed":   fmt.Sprint(added),
	})
	r.audit.Record(ctx, event)
	if added {
		r.metrics.IncRevocation("invite")
		r.logger.Info("Invite revoked", zap.String("invite_id", inviteID))
	}
	return nil
}

// IsInviteRevoked reports whether inviteID has been revoked
func (r *Registry) IsInviteRevoked(ctx context.Context, inviteID string) (bool, error) {
	return r.contains(ctx, storage.RevokedInvitesKey(r.ns), inviteID)
}

// RevokeSigner adds publicKey to the revoked signer set. When actor is
// non-nil the policy hook is consulted first and may deny the operation.
// Keys that parse are stored in their canonical encoding.
func (r *Registry) RevokeSigner(ctx context.Context, publicKey string, actor *policy.Actor) (Result, error) {
	if publicKey == "" {
		return Result{}, fmt.Errorf("public key is required")
	}
	publicKey = canonicalKey(publicKey)
	if r.store == nil {
		return Result{}, storage.ErrNotConfigured
	}

	var decision policy.Decision
	actorID := ""
	if actor != nil {
		actorID = actor.ID
		if r.policy == nil {
			return Result{}, fmt.Errorf("actor supplied but no policy enforcer configured")
		}
		var err error
		decision, err = r.policy.Enforce(ctx, policy.Request{
			Operation: policy.OpRevokeSigner,
			Actor:     *actor,
			Namespace: r.ns,
			At:        r.now(),
		})
		if err != nil {
			r.metrics.IncPolicyDenial()
			event := audit.NewEvent(audit.EventSignerRevokeDenied, r.ns, map[string]string{
				"public_key": publicKey,
				"role":       string(actor.Role),
				"reason":     err.Error(),
			})
			event.Actor = actorID
			r.audit.Record(ctx, event)
			r.logger.Warn("Signer revocation denied",
				zap.String("actor", actorID),
				zap.String("public_key", publicKey),
				zap.Error(err))
			return Result{}, err
		}
	}

	added, err := r.add(ctx, storage.RevokedSignersKey(r.ns), publicKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to revoke signer: %w", err)
	}

	event := audit.NewEvent(audit.EventSignerRevoked, r.ns, map[string]string{
		"public_key": publicKey,
		"changed":    fmt.Sprint(added),
	})
	event.Actor = actorID
	event.Immutable = decision.RecordAudit
	r.audit.Record(ctx, event)

	if added {
		r.metrics.IncRevocation("signer")
		r.logger.Info("Signer revoked",
			zap.String("public_key", publicKey),
			zap.String("actor", actorID))
	}

	return Result{
		PublicKey:      publicKey,
		AlreadyRevoked: !added,
		AuditImmutable: decision.RecordAudit,
	}, nil
}

// IsSignerRevoked reports whether publicKey has been revoked
func (r *Registry) IsSignerRevoked(ctx context.Context, publicKey string) (bool, error) {
	return r.contains(ctx, storage.RevokedSignersKey(r.ns), canonicalKey(publicKey))
}

// canonicalKey re-encodes a parseable key so that spellings of the same key
// share one set entry. Opaque identifiers pass through untouched.
func canonicalKey(publicKey string) string {
	pub, err := keys.Parse(publicKey)
	if err != nil {
		return publicKey
	}
	return pub.String()
}

// RevokedInvites returns the revoked invite ids in sorted order
func (r *Registry) RevokedInvites(ctx context.Context) ([]string, error) {
	return r.list(ctx, storage.RevokedInvitesKey(r.ns))
}

// RevokedSigners returns the revoked signer keys in sorted order
func (r *Registry) RevokedSigners(ctx context.Context) ([]string, error) {
	return r.list(ctx, storage.RevokedSignersKey(r.ns))
}

func (r *Registry) contains(ctx context.Context, key, id string) (bool, error) {
	if r.store == nil {
		if r.failOpen {
			return false, nil
		}
		return false, storage.ErrNotConfigured
	}
	set, err := r.load(ctx, key)
	if err != nil {
		return false, err
	}
	_, ok := set[id]
	return ok, nil
}

func (r *Registry) list(ctx context.Context, key string) ([]string, error) {
	if r.store == nil {
		if r.failOpen {
			return []string{}, nil
		}
		return nil, storage.ErrNotConfigured
	}
	set, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return sortedMembers(set), nil
}

// add inserts id and reports whether the set changed. An unchanged set is not rewritten.
func (r *Registry) add(ctx context.Context, key, id string) (bool, error) {
	if r.store == nil {
		return false, storage.ErrNotConfigured
	}
	set, err := r.load(ctx, key)
	if err != nil {
		return false, err
	}
	if _, ok := set[id]; ok {
		return false, nil
	}
	set[id] = struct{}{}
	if err := storage.SaveJSON(ctx, r.store, key, sortedMembers(set)); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) load(ctx context.Context, key string) (map[string]struct{}, error) {
	var members []string
	if _, err := storage.LoadJSON(ctx, r.store, key, &members); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

func sortedMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
