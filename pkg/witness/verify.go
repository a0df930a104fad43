package witness

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"trustsync/pkg/audit"
	"trustsync/pkg/keys"

	"go.uber.org/zap"
)

// IngestWitnessSig verifies signature over checkpoint seq and stores it
// under witnessID. Re-ingesting for the same witness overwrites. Rejected
// signatures are reported in the result; errors are reserved for storage
// failures, tampered checkpoints and gating violations.
func (s *Service) IngestWitnessSig(ctx context.Context, ns string, seq uint64, witnessID string, signature []byte) (IngestResult, error) {
	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return IngestResult{}, err
	}
	if err := s.gateIngest(witnesses); err != nil {
		s.rejectRequest(ctx, ns, "ingest-signature", witnessID, err)
		return IngestResult{}, err
	}

	cp, err := s.GetCheckpoint(ctx, ns, seq)
	if err != nil {
		return IngestResult{}, err
	}
	if err := checkPayload(cp); err != nil {
		s.logger.Error("Checkpoint payload mismatch",
			zap.String("namespace", ns),
			zap.Uint64("sequence", seq))
		return IngestResult{}, err
	}

	idx, ok := findWitness(witnesses, witnessID)
	if !ok {
		return s.rejectSignature(ctx, ns, seq, witnessID, RejectUnknownWitness), nil
	}
	w := witnesses[idx]

	switch {
	case w.Status == StatusBanned:
		return s.rejectSignature(ctx, ns, seq, witnessID, RejectWitnessBanned), nil
	case !w.EligibleAt(s.now(), s.graceDays):
		return s.rejectSignature(ctx, ns, seq, witnessID, RejectRetiredPastGrace), nil
	}

	revoked, err := s.isRevoked(ctx, w.PublicKey)
	if err != nil {
		return IngestResult{}, err
	}
	if revoked {
		return s.rejectSignature(ctx, ns, seq, witnessID, RejectSignerRevoked), nil
	}

	if !verifySignature(w, cp.Payload, signature) {
		return s.rejectSignature(ctx, ns, seq, witnessID, RejectBadSignature), nil
	}

	if cp.Signatures == nil {
		cp.Signatures = make(map[string][]byte)
	}
	_, replaced := cp.Signatures[witnessID]
	cp.Signatures[witnessID] = append([]byte(nil), signature...)
	if err := s.saveCheckpoint(ctx, cp); err != nil {
		return IngestResult{}, err
	}

	s.metrics.IncSignature("accepted")
	s.audit.Record(ctx, audit.NewEvent(audit.EventSignatureIngested, ns, map[string]string{
		"sequence":     strconv.FormatUint(seq, 10),
		"witness_id":   witnessID,
		"organization": w.Organization,
		"replaced":     strconv.FormatBool(replaced),
	}))
	s.logger.Info("Witness signature ingested",
		zap.String("namespace", ns),
		zap.Uint64("sequence", seq),
		zap.String("witness_id", witnessID),
		zap.Bool("replaced", replaced))

	return IngestResult{Accepted: true, Replaced: replaced}, nil
}

// VerifyWitnessedCheckpoint evaluates p against the signatures on record.
// Eligibility is recomputed on every call, so witnesses banned or retired
// past the grace period since signing no longer count.
func (s *Service) VerifyWitnessedCheckpoint(ctx context.Context, ns string, seq uint64, p Policy) (Verdict, error) {
	if err := p.Validate(); err != nil {
		return Verdict{}, err
	}

	cp, err := s.GetCheckpoint(ctx, ns, seq)
	if err != nil {
		return Verdict{}, err
	}
	if err := checkPayload(cp); err != nil {
		return Verdict{}, err
	}
	witnesses, err := s.loadWitnesses(ctx, ns)
	if err != nil {
		return Verdict{}, err
	}

	now := s.now()
	verdict := Verdict{Sequence: seq}
	orgs := make(map[string]struct{})
	seenKeys := make(map[string]struct{})

	signerIDs := make([]string, 0, len(cp.Signatures))
	for id := range cp.Signatures {
		signerIDs = append(signerIDs, id)
	}
	sort.Strings(signerIDs)

	for _, id := range signerIDs {
		idx, ok := findWitness(witnesses, id)
		if !ok {
			verdict.Ineligible = append(verdict.Ineligible, id)
			continue
		}
		w := witnesses[idx]
		if !w.EligibleAt(now, p.RetiredGracePeriodDays) || !verifySignature(w, cp.Payload, cp.Signatures[id]) {
			verdict.Ineligible = append(verdict.Ineligible, id)
			continue
		}
		revoked, err := s.isRevoked(ctx, w.PublicKey)
		if err != nil {
			return Verdict{}, err
		}
		if revoked {
			verdict.Ineligible = append(verdict.Ineligible, id)
			continue
		}
		key := normalizeKey(w.PublicKey)
		if _, dup := seenKeys[key]; dup {
			verdict.Ineligible = append(verdict.Ineligible, id)
			continue
		}
		seenKeys[key] = struct{}{}
		verdict.Signers = append(verdict.Signers, id)
		orgs[w.Organization] = struct{}{}
	}

	for _, org := range sortedCopy(p.BannedOrgs) {
		if _, ok := orgs[org]; ok {
			verdict.BannedOrgs = append(verdict.BannedOrgs, org)
		}
	}
	if len(verdict.BannedOrgs) > 0 {
		verdict.Reasons = append(verdict.Reasons, ReasonBannedOrgPresent)
	}

	for _, org := range sortedCopy(p.RequiredOrgs) {
		if _, ok := orgs[org]; !ok {
			verdict.MissingOrgs = append(verdict.MissingOrgs, org)
		}
	}
	if len(verdict.MissingOrgs) > 0 {
		verdict.Reasons = append(verdict.Reasons, ReasonMissingRequiredOrg)
	}

	if len(verdict.Signers) < p.MinSignatures {
		verdict.Reasons = append(verdict.Reasons, ReasonBelowThreshold)
	}
	verdict.Witnessed = len(verdict.Reasons) == 0

	outcome := "witnessed"
	if !verdict.Witnessed {
		outcome = "rejected"
	}
	s.metrics.IncVerification(outcome)
	s.audit.Record(ctx, audit.NewEvent(audit.EventCheckpointVerified, ns, map[string]string{
		"sequence":       strconv.FormatUint(seq, 10),
		"witnessed":      strconv.FormatBool(verdict.Witnessed),
		"signers":        strings.Join(verdict.Signers, ","),
		"ineligible":     strings.Join(verdict.Ineligible, ","),
		"reasons":        joinReasons(verdict.Reasons),
		"min_signatures": strconv.Itoa(p.MinSignatures),
	}))
	s.logger.Debug("Checkpoint verified",
		zap.String("namespace", ns),
		zap.Uint64("sequence", seq),
		zap.Bool("witnessed", verdict.Witnessed),
		zap.Int("eligible", len(verdict.Signers)))

	return verdict, nil
}

func (s *Service) rejectSignature(ctx context.Context, ns string, seq uint64, witnessID string, reason RejectReason) IngestResult {
	s.metrics.IncSignature(string(reason))
	s.audit.Record(ctx, audit.NewEvent(audit.EventSignatureRejected, ns, map[string]string{
		"sequence":   strconv.FormatUint(seq, 10),
		"witness_id": witnessID,
		"reason":     string(reason),
	}))
	s.logger.Warn("Witness signature rejected",
		zap.String("namespace", ns),
		zap.Uint64("sequence", seq),
		zap.String("witness_id", witnessID),
		zap.String("reason", string(reason)))
	return IngestResult{Reason: reason}
}

func (s *Service) isRevoked(ctx context.Context, publicKey string) (bool, error) {
	if s.revocations == nil {
		return false, nil
	}
	revoked, err := s.revocations.IsSignerRevoked(ctx, publicKey)
	if err != nil {
		return false, fmt.Errorf("failed to check signer revocation: %w", err)
	}
	return revoked, nil
}

func verifySignature(w Witness, payload, signature []byte) bool {
	pub, err := keys.Parse(w.PublicKey)
	if err != nil {
		return false
	}
	return pub.Verify(payload, signature)
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}

func joinReasons(reasons []Reason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
