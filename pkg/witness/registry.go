package witness

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

// SignerRevocations reports revoked signer keys. *revocation.Registry
// satisfies it.
type SignerRevocations interface {
	IsSignerRevoked(ctx context.Context, publicKey string) (bool, error)
}

// Config wires a Service
type Config struct {
	Storage storage.Driver

	// MaxActiveWitnesses caps ACTIVE witnesses per namespace; 0 disables the cap.
	MaxActiveWitnesses int
	// RetiredGraceDays is the grace window applied when ingesting signatures.
	// Verification uses the grace period of the policy passed in.
	RetiredGraceDays int

	Revocations SignerRevocations // optional
	Audit       audit.Sink
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Service manages witnesses and checkpoints across namespaces
type Service struct {
	store       storage.Driver
	maxActive   int
	graceDays   int
	revocations SignerRevocations
	audit       audit.Sink
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a witness service from cfg
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       cfg.Storage,
		maxActive:   cfg.MaxActiveWitnesses,
		graceDays:   cfg.RetiredGraceDays,
		revocations: cfg.Revocations,
		audit:       audit.OrNop(cfg.Audit),
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// AddWitness registers w as ACTIVE. The request is gated against p and the
// service limits before anything is written.
func (s *Service) AddWitness(ctx context.Context, ns string, w Witness, p Policy) (Witness, error) {
	if w.ID == "" {
		return Witness{}, fmt.Errorf("witness id is required")
	}
	if w.Organization == "" {
		return Witness{}, fmt.Errorf("witness organization is required")
	}
	pub, err := keys.Parse(w.PublicKey)
	if err != nil {
		return Witness{}, fmt.Errorf("invalid key for witness %s: %w", w.ID, err)
	}
	if err := p.Validate(); err != nil {
		return Witness{}, err
	}

	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return Witness{}, err
	}
	if _, ok := findWitness(witnesses, w.ID); ok {
		return Witness{}, fmt.Errorf("%w: %s", ErrWitnessExists, w.ID)
	}
	// one key is one party, whatever its status or organization
	w.PublicKey = pub.String()
	for _, existing := range witnesses {
		if normalizeKey(existing.PublicKey) == w.PublicKey {
			err := fmt.Errorf("%w: %s already holds it", ErrDuplicateKey, existing.ID)
			s.rejectRequest(ctx, ns, "add-witness", w.ID, err)
			return Witness{}, err
		}
	}

	if err := s.gateAdd(w, p, witnesses); err != nil {
		s.rejectRequest(ctx, ns, "add-witness", w.ID, err)
		return Witness{}, err
	}

	w.Status = StatusActive
	w.AddedAt = s.now().UTC()
	w.RetiredAt = nil
	witnesses = append(witnesses, w)
	if err := s.saveWitnesses(ctx, ns, witnesses); err != nil {
		return Witness{}, err
	}

	s.audit.Record(ctx, audit.NewEvent(audit.EventWitnessAdded, ns, map[string]string{
		"witness_id":   w.ID,
		"organization": w.Organization,
		"status":       string(w.Status),
	}))
	s.logger.Info("Witness registered",
		zap.String("namespace", ns),
		zap.String("witness_id", w.ID),
		zap.String("organization", w.Organization))

	return w, nil
}

// ListWitnesses returns the registered witnesses, optionally only those in
// one of the given states
func (s *Service) ListWitnesses(ctx context.Context, ns string, filter ...Status) ([]Witness, error) {
	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return witnesses, nil
	}

	var result []Witness
	for _, w := range witnesses {
		for _, st := range filter {
			if w.Status == st {
				result = append(result, w)
				break
			}
		}
	}
	return result, nil
}

// GetWitness returns the witness registered under id
func (s *Service) GetWitness(ctx context.Context, ns, id string) (Witness, error) {
	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return Witness{}, err
	}
	idx, ok := findWitness(witnesses, id)
	if !ok {
		return Witness{}, fmt.Errorf("%w: %s", ErrUnknownWitness, id)
	}
	return witnesses[idx], nil
}

// SetWitnessStatus moves a witness through its lifecycle. Allowed
// transitions are ACTIVE->RETIRED, ACTIVE->BANNED and RETIRED->BANNED;
// setting the current status again is a no-op.
func (s *Service) SetWitnessStatus(ctx context.Context, ns, id string, status Status) (Witness, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Witness{}, err
	}

	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return Witness{}, err
	}
	idx, ok := findWitness(witnesses, id)
	if !ok {
		return Witness{}, fmt.Errorf("%w: %s", ErrUnknownWitness, id)
	}

	w := witnesses[idx]
	if w.Status == status {
		return w, nil
	}
	if !validTransition(w.Status, status) {
		return Witness{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, w.Status, status, id)
	}

	previous := w.Status
	w.Status = status
	if status == StatusRetired {
		at := s.now().UTC()
		w.RetiredAt = &at
	}
	witnesses[idx] = w

	if err := s.saveWitnesses(ctx, ns, witnesses); err != nil {
		return Witness{}, err
	}

	s.audit.Record(ctx, audit.NewEvent(audit.EventWitnessStatus, ns, map[string]string{
		"witness_id":   id,
		"organization": w.Organization,
		"from":         string(previous),
		"status":       string(status),
	}))
	s.logger.Warn("Witness status changed",
		zap.String("namespace", ns),
		zap.String("witness_id", id),
		zap.String("from", string(previous)),
		zap.String("to", string(status)))

	return w, nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusRetired || to == StatusBanned
	case StatusRetired:
		return to == StatusBanned
	default:
		return false
	}
}

func (s *Service) rejectRequest(ctx context.Context, ns, op, witnessID string, err error) {
	var violation *ViolationError
	reason := "invalid"
	switch {
	case errors.As(err, &violation):
		reason = string(violation.Violation)
	case errors.Is(err, ErrDuplicateKey):
		reason = "duplicate-key"
	}
	s.metrics.IncGating(reason)
	s.audit.Record(ctx, audit.NewEvent(audit.EventWitnessGated, ns, map[string]string{
		"operation":  op,
		"witness_id": witnessID,
		"violation":  reason,
	}))
	s.logger.Warn("Witness request rejected",
		zap.String("namespace", ns),
		zap.String("operation", op),
		zap.String("witness_id", witnessID),
		zap.Error(err))
}

// normalizeKey returns the canonical encoding of key, or key unchanged
// when it does not parse
func normalizeKey(key string) string {
	pub, err := keys.Parse(key)
	if err != nil {
		return key
	}
	return pub.String()
}

func findWitness(witnesses []Witness, id string) (int, bool) {
	for i := range witnesses {
		if witnesses[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *Service) loadWitnesses(ctx context.Context, ns string) ([]Witness, error) {
	if s.store == nil {
		return nil, storage.ErrNotConfigured
	}
	witnesses := []Witness{}
	if _, err := storage.LoadJSON(ctx, s.store, storage.WitnessRegistryKey(ns), &witnesses); err != nil {
		return nil, fmt.Errorf("failed to load witness registry: %w", err)
	}
	return witnesses, nil
}

func (s *Service) saveWitnesses(ctx context.Context, ns string, witnesses []Witness) error {
	if err := storage.SaveJSON(ctx, s.store, storage.WitnessRegistryKey(ns), witnesses); err != nil {
		return fmt.Errorf("failed to save witness registry: %w", err)
	}
	return nil
}
