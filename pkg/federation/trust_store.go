package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustsync/pkg/audit"
	"trustsync/pkg/keys"
	"trustsync/pkg/metrics"
	"trustsync/pkg/storage"

	"go.uber.org/zap"
)

var (
	// ErrAnchorNotFound is returned when revoking an anchor that does not exist
	ErrAnchorNotFound = errors.New("federation: trust anchor not found")
	// ErrAnchorRevoked is returned when content is checked against a revoked anchor
	ErrAnchorRevoked = errors.New("federation: trust anchor revoked")
	// ErrBadSignature is returned when federated content fails verification
	ErrBadSignature = errors.New("federation: signature verification failed")
)

// AnchorStatus is the lifecycle state of a trust anchor
type AnchorStatus string

const (
	AnchorActive  AnchorStatus = "ACTIVE"
	AnchorRevoked AnchorStatus = "REVOKED"
)

// TrustAnchor is a remote organization's registered key material
type TrustAnchor struct {
	OrgID     string       `json:"org_id"`
	PublicKey string       `json:"public_key"`
	Status    AnchorStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// TrustStore manages the trust anchors of federated organizations. All
// anchors of a namespace live in one JSON list that every mutation rewrites whole.
type TrustStore struct {
	store   storage.Driver
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewTrustStore creates a trust store on top of store
func NewTrustStore(store storage.Driver, sink audit.Sink, m *metrics.Metrics, logger *zap.Logger) *TrustStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrustStore{
		store:   store,
		audit:   audit.OrNop(sink),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// AddTrustAnchor upserts anchor by OrgID. A missing status defaults to ACTIVE.
func (ts *TrustStore) AddTrustAnchor(ctx context.Context, ns string, anchor TrustAnchor) (TrustAnchor, error) {
	if anchor.OrgID == "" {
		return TrustAnchor{}, fmt.Errorf("org id is required")
	}
	pub, err := keys.Parse(anchor.PublicKey)
	if err != nil {
		return TrustAnchor{}, fmt.Errorf("invalid key material for %s: %w", anchor.OrgID, err)
	}
	anchor.PublicKey = pub.String()

	switch anchor.Status {
	case "":
		anchor.Status = AnchorActive
	case AnchorActive, AnchorRevoked:
	default:
		return TrustAnchor{}, fmt.Errorf("invalid anchor status %q", anchor.Status)
	}
	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = ts.now().UTC()
	}

	anchors, err := ts.load(ctx, ns)
	if err != nil {
		return TrustAnchor{}, err
	}

	replaced := false
	for i := range anchors {
		if anchors[i].OrgID == anchor.OrgID {
			anchors[i] = anchor
			replaced = true
			break
		}
	}
	if !replaced {
		anchors = append(anchors, anchor)
	}

	if err := ts.save(ctx, ns, anchors); err != nil {
		return TrustAnchor{}, err
	}

	ts.record(ctx, audit.EventAnchorAdded, ns, anchor.OrgID, string(anchor.Status))
	ts.metrics.IncAnchor("add")
	ts.logger.Info("Trust anchor stored",
		zap.String("namespace", ns),
		zap.String("org_id", anchor.OrgID),
		zap.Bool("replaced", replaced))

	return anchor, nil
}

// RemoveTrustAnchor deletes the anchor for orgID. Removing an absent anchor is a no-op.
func (ts *TrustStore) RemoveTrustAnchor(ctx context.Context, ns, orgID string) error {
	anchors, err := ts.load(ctx, ns)
	if err != nil {
		return err
	}

	kept := make([]TrustAnchor, 0, len(anchors))
	for _, a := range anchors {
		if a.OrgID != orgID {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(anchors) {
		return nil
	}

	if err := ts.save(ctx, ns, kept); err != nil {
		return err
	}

	ts.record(ctx, audit.EventAnchorRemoved, ns, orgID, "REMOVED")
	ts.metrics.IncAnchor("remove")
	ts.logger.Info("Trust anchor removed",
		zap.String("namespace", ns),
		zap.String("org_id", orgID))
	return nil
}

// RevokeTrustAnchor flips the anchor's status to REVOKED. Unlike removal, a
// missing anchor is an error.
func (ts *TrustStore) RevokeTrustAnchor(ctx context.Context, ns, orgID string) (TrustAnchor, error) {
	anchors, err := ts.load(ctx, ns)
	if err != nil {
		return TrustAnchor{}, err
	}

	idx := -1
	for i := range anchors {
		if anchors[i].OrgID == orgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return TrustAnchor{}, fmt.Errorf("%w: %s in %s", ErrAnchorNotFound, orgID, ns)
	}

	anchors[idx].Status = AnchorRevoked
	if err := ts.save(ctx, ns, anchors); err != nil {
		return TrustAnchor{}, err
	}

	ts.record(ctx, audit.EventAnchorRevoked, ns, orgID, string(AnchorRevoked))
	ts.metrics.IncAnchor("revoke")
	ts.logger.Warn("Trust anchor revoked",
		zap.String("namespace", ns),
		zap.String("org_id", orgID))

	return anchors[idx], nil
}

// ListTrustAnchors returns the anchors in stored order
func (ts *TrustStore) ListTrustAnchors(ctx context.Context, ns string) ([]TrustAnchor, error) {
	return ts.load(ctx, ns)
}

// GetTrustAnchor returns the anchor for orgID
func (ts *TrustStore) GetTrustAnchor(ctx context.Context, ns, orgID string) (TrustAnchor, error) {
	anchors, err := ts.load(ctx, ns)
	if err != nil {
		return TrustAnchor{}, err
	}
	for _, a := range anchors {
		if a.OrgID == orgID {
			return a, nil
		}
	}
	return TrustAnchor{}, fmt.Errorf("%w: %s in %s", ErrAnchorNotFound, orgID, ns)
}

// VerifyFederatedSignature checks content signed by a federated organization
// against its ACTIVE trust anchor
func (ts *TrustStore) VerifyFederatedSignature(ctx context.Context, ns, orgID string, message, signature []byte) error {
	anchor, err := ts.GetTrustAnchor(ctx, ns, orgID)
	if err != nil {
		ts.reject(ctx, ns, orgID, "unknown-anchor")
		return err
	}
	if anchor.Status != AnchorActive {
		ts.reject(ctx, ns, orgID, "anchor-revoked")
		return fmt.Errorf("%w: %s", ErrAnchorRevoked, orgID)
	}

	pub, err := keys.Parse(anchor.PublicKey)
	if err != nil {
		return fmt.Errorf("stored anchor for %s is corrupt: %w", orgID, err)
	}
	if !pub.Verify(message, signature) {
		ts.reject(ctx, ns, orgID, "bad-signature")
		return fmt.Errorf("%w: %s", ErrBadSignature, orgID)
	}
	return nil
}

func (ts *TrustStore) reject(ctx context.Context, ns, orgID, reason string) {
	ts.audit.Record(ctx, audit.NewEvent(audit.EventFederatedSigFailed, ns, map[string]string{
		"org_id": orgID,
		"reason": reason,
	}))
	ts.logger.Warn("Federated signature rejected",
		zap.String("namespace", ns),
		zap.String("org_id", orgID),
		zap.String("reason", reason))
}

func (ts *TrustStore) record(ctx context.Context, eventType, ns, orgID, status string) {
	ts.audit.Record(ctx, audit.NewEvent(eventType, ns, map[string]string{
		"org_id": orgID,
		"status": status,
	}))
}

func (ts *TrustStore) load(ctx context.Context, ns string) ([]TrustAnchor, error) {
	if ts.store == nil {
		return nil, storage.ErrNotConfigured
	}
	anchors := []TrustAnchor{}
	if _, err := storage.LoadJSON(ctx, ts.store, storage.TrustAnchorsKey(ns), &anchors); err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}
	return anchors, nil
}

func (ts *TrustStore) save(ctx context.Context, ns string, anchors []TrustAnchor) error {
	if err := storage.SaveJSON(ctx, ts.store, storage.TrustAnchorsKey(ns), anchors); err != nil {
		return fmt.Errorf("failed to save trust anchors: %w", err)
	}
	return nil
}
