// Package witness implements witness registration, append-only checkpoints
// and M-of-N threshold attestation over canonical checkpoint payloads.
//
// Eligibility is always evaluated at verification time: a witness that is
// banned after signing keeps its signature on record but no longer counts.
package witness

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownWitness     = errors.New("witness: unknown witness")
	ErrWitnessExists      = errors.New("witness: witness already registered")
	ErrDuplicateKey       = errors.New("witness: public key already registered to another witness")
	ErrInvalidTransition  = errors.New("witness: invalid status transition")
	ErrInvalidPolicy      = errors.New("witness: invalid policy")
	ErrCheckpointNotFound = errors.New("witness: checkpoint not found")
	ErrCheckpointTampered = errors.New("witness: stored payload does not match checkpoint content")
	ErrChainBroken        = errors.New("witness: checkpoint chain broken")
	ErrPolicyViolation    = errors.New("witness: request violates witness policy")
)

// Status is a witness lifecycle state
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRetired Status = "RETIRED"
	StatusBanned  Status = "BANNED"
)

// ParseStatus accepts the canonical upper-case names
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusRetired, StatusBanned:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown witness status %q", s)
}

// Witness is a party entitled to co-sign checkpoints
type Witness struct {
	ID           string     `json:"id"`
	PublicKey    string     `json:"public_key"`
	Organization string     `json:"organization"`
	Status       Status     `json:"status"`
	AddedAt      time.Time  `json:"added_at"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

// EligibleAt reports whether the witness' signatures count at time at.
// RETIRED witnesses stay eligible for graceDays after retirement.
func (w Witness) EligibleAt(at time.Time, graceDays int) bool {
	switch w.Status {
	case StatusActive:
		return true
	case StatusRetired:
		if w.RetiredAt == nil || graceDays <= 0 {
			return false
		}
		return at.Before(w.RetiredAt.Add(time.Duration(graceDays) * 24 * time.Hour))
	default:
		return false
	}
}

// Policy is an M-of-N threshold rule. It is passed per call and never stored.
type Policy struct {
	MinSignatures          int      `json:"min_signatures" yaml:"min_signatures"`
	RequiredOrgs           []string `json:"required_orgs,omitempty" yaml:"required_orgs"`
	BannedOrgs             []string `json:"banned_orgs,omitempty" yaml:"banned_orgs"`
	RetiredGracePeriodDays int      `json:"retired_grace_period_days" yaml:"retired_grace_period_days"`

	// Justification must be set to use the minimal threshold of one signature.
	Justification string `json:"justification,omitempty" yaml:"justification"`
}

// Validate checks the structural invariants of the policy
func (p Policy) Validate() error {
	if p.MinSignatures < 1 {
		return fmt.Errorf("%w: min signatures must be at least 1, got %d", ErrInvalidPolicy, p.MinSignatures)
	}
	if p.RetiredGracePeriodDays < 0 {
		return fmt.Errorf("%w: negative retired grace period", ErrInvalidPolicy)
	}
	banned := toSet(p.BannedOrgs)
	for _, org := range p.RequiredOrgs {
		if _, ok := banned[org]; ok {
			return fmt.Errorf("%w: organization %s is both required and banned", ErrInvalidPolicy, org)
		}
	}
	return nil
}

// Content is the logical content of a new checkpoint
type Content struct {
	StateDigest string            `json:"state_digest"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Checkpoint is an append-only, sequence-numbered attested snapshot.
// Payload is fixed at creation; Signatures maps witness id to signature.
type Checkpoint struct {
	Sequence    uint64            `json:"sequence"`
	Namespace   string            `json:"namespace"`
	StateDigest string            `json:"state_digest"`
	PrevDigest  string            `json:"prev_digest,omitempty"`
	CreatedAt   int64             `json:"created_at"` // unix ms
	Attributes  map[string]string `json:"attributes,omitempty"`
	Payload     []byte            `json:"payload"`
	Signatures  map[string][]byte `json:"signatures,omitempty"`
}

// RejectReason explains why a signature was not ingested
type RejectReason string

const (
	RejectUnknownWitness   RejectReason = "unknown-witness"
	RejectWitnessBanned    RejectReason = "witness-banned"
	RejectRetiredPastGrace RejectReason = "witness-retired"
	RejectSignerRevoked    RejectReason = "signer-revoked"
	RejectBadSignature     RejectReason = "invalid-signature"
)

// IngestResult is the outcome of IngestWitnessSig
type IngestResult struct {
	Accepted bool
	Replaced bool // an earlier signature by the same witness was overwritten
	Reason   RejectReason
}

// Reason is a structured threshold failure
type Reason string

const (
	ReasonBannedOrgPresent   Reason = "banned-org-present"
	ReasonMissingRequiredOrg Reason = "missing-required-org"
	ReasonBelowThreshold     Reason = "below-threshold"
)

// Verdict is the outcome of VerifyWitnessedCheckpoint
type Verdict struct {
	Sequence    uint64
	Witnessed   bool
	Signers     []string // eligible signer ids, sorted
	Ineligible  []string // signatures on record that did not count
	Reasons     []Reason
	MissingOrgs []string
	BannedOrgs  []string // banned organizations with an eligible signer
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
