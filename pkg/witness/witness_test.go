package witness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"trustsync/pkg/audit"
	"trustsync/pkg/keys"
	"trustsync/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const ns = "team"

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

type testEnv struct {
	svc     *Service
	store   *storage.MemoryDriver
	sink    *audit.MemorySink
	clock   *fakeClock
	signers map[string]keys.Signer
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   storage.NewMemoryDriver(),
		sink:    audit.NewMemorySink(),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		signers: make(map[string]keys.Signer),
	}
	cfg.Storage = env.store
	cfg.Audit = env.sink
	cfg.Logger = zaptest.NewLogger(t)
	env.svc = New(cfg)
	env.svc.now = env.clock.now
	return env
}

var registration = Policy{MinSignatures: 2}

func (e *testEnv) addWitness(t *testing.T, id, org string) keys.Signer {
	t.Helper()
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)
	_, err = e.svc.AddWitness(context.Background(), ns, Witness{
		ID:           id,
		PublicKey:    signer.Public().String(),
		Organization: org,
	}, registration)
	require.NoError(t, err)
	e.signers[id] = signer
	return signer
}

func (e *testEnv) sign(t *testing.T, seq uint64, id string) IngestResult {
	t.Helper()
	ctx := context.Background()
	cp, err := e.svc.GetCheckpoint(ctx, ns, seq)
	require.NoError(t, err)
	sig, err := e.signers[id].Sign(cp.Payload)
	require.NoError(t, err)
	res, err := e.svc.IngestWitnessSig(ctx, ns, seq, id, sig)
	require.NoError(t, err)
	return res
}

func (e *testEnv) appendCheckpoint(t *testing.T, digest string) Checkpoint {
	t.Helper()
	cp, err := e.svc.AppendCheckpoint(context.Background(), ns, Content{StateDigest: digest})
	require.NoError(t, err)
	return cp
}

func TestAddWitness(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")

	w, err := env.svc.GetWitness(ctx, ns, "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)
	assert.Equal(t, env.clock.t, w.AddedAt)

	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)
	_, err = env.svc.AddWitness(ctx, ns, Witness{ID: "w1", PublicKey: signer.Public().String(), Organization: "orgA"}, registration)
	assert.True(t, errors.Is(err, ErrWitnessExists))

	_, err = env.svc.AddWitness(ctx, ns, Witness{ID: "w2", PublicKey: "ed25519:bm9wZQ==", Organization: "orgA"}, registration)
	assert.Error(t, err)

	_, err = env.svc.AddWitness(ctx, ns, Witness{ID: "w3", PublicKey: signer.Public().String(), Organization: "orgA"},
		Policy{MinSignatures: 2, RequiredOrgs: []string{"orgA"}, BannedOrgs: []string{"orgA"}})
	assert.True(t, errors.Is(err, ErrInvalidPolicy))

	assert.Len(t, env.sink.OfType(audit.EventWitnessAdded), 1)
}

func TestAddWitnessRejectsSharedKey(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	signer := env.addWitness(t, "w1", "orgA")

	_, err := env.svc.AddWitness(ctx, ns, Witness{
		ID:           "w1-alias",
		PublicKey:    signer.Public().String(),
		Organization: "orgB",
	}, registration)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	// a banned holder still owns the key
	_, err = env.svc.SetWitnessStatus(ctx, ns, "w1", StatusBanned)
	require.NoError(t, err)
	_, err = env.svc.AddWitness(ctx, ns, Witness{
		ID:           "w1-fresh",
		PublicKey:    signer.Public().String(),
		Organization: "orgA",
	}, registration)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	witnesses, err := env.svc.ListWitnesses(ctx, ns)
	require.NoError(t, err)
	assert.Len(t, witnesses, 1)
	assert.Len(t, env.sink.OfType(audit.EventWitnessGated), 2)
}

func TestVerifyCountsEachKeyOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	signer := env.addWitness(t, "w1", "orgA")

	// a registry written before duplicate keys were refused
	witnesses, err := env.svc.ListWitnesses(ctx, ns)
	require.NoError(t, err)
	alias := witnesses[0]
	alias.ID = "w1-alias"
	alias.Organization = "orgB"
	require.NoError(t, env.svc.saveWitnesses(ctx, ns, append(witnesses, alias)))
	env.signers["w1-alias"] = signer

	cp := env.appendCheckpoint(t, "digest-1")
	require.True(t, env.sign(t, cp.Sequence, "w1").Accepted)
	require.True(t, env.sign(t, cp.Sequence, "w1-alias").Accepted)

	verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence,
		Policy{MinSignatures: 2, RequiredOrgs: []string{"orgA", "orgB"}})
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
	assert.Equal(t, []string{"w1"}, verdict.Signers)
	assert.Equal(t, []string{"w1-alias"}, verdict.Ineligible)
	assert.Equal(t, []string{"orgB"}, verdict.MissingOrgs)
	assert.Equal(t, []Reason{ReasonMissingRequiredOrg, ReasonBelowThreshold}, verdict.Reasons)
}

func TestAddWitnessGating(t *testing.T) {
	env := newTestEnv(t, Config{MaxActiveWitnesses: 2})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")

	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)
	candidate := Witness{ID: "w3", PublicKey: signer.Public().String(), Organization: "orgC"}

	_, err = env.svc.AddWitness(ctx, ns, candidate, registration)
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, ViolationMaxActiveWitnesses, violation.Violation)
	assert.True(t, errors.Is(err, ErrPolicyViolation))

	// Retiring a witness frees a slot.
	_, err = env.svc.SetWitnessStatus(ctx, ns, "w2", StatusRetired)
	require.NoError(t, err)

	_, err = env.svc.AddWitness(ctx, ns, candidate, Policy{MinSignatures: 1})
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, ViolationUnjustifiedMinimal, violation.Violation)

	_, err = env.svc.AddWitness(ctx, ns, candidate, Policy{MinSignatures: 2, BannedOrgs: []string{"orgC"}})
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, ViolationBannedOrganization, violation.Violation)

	_, err = env.svc.AddWitness(ctx, ns, candidate, Policy{MinSignatures: 1, Justification: "single-device bootstrap"})
	require.NoError(t, err)

	all, err := env.svc.ListWitnesses(ctx, ns)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Len(t, env.sink.OfType(audit.EventWitnessGated), 3)
}

func TestSetWitnessStatusTransitions(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")

	w, err := env.svc.SetWitnessStatus(ctx, ns, "w1", StatusRetired)
	require.NoError(t, err)
	require.NotNil(t, w.RetiredAt)
	assert.Equal(t, env.clock.t, *w.RetiredAt)

	_, err = env.svc.SetWitnessStatus(ctx, ns, "w1", StatusActive)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.svc.SetWitnessStatus(ctx, ns, "w1", StatusBanned)
	require.NoError(t, err)
	_, err = env.svc.SetWitnessStatus(ctx, ns, "w1", StatusRetired)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	// Same status is a no-op.
	_, err = env.svc.SetWitnessStatus(ctx, ns, "w1", StatusBanned)
	require.NoError(t, err)

	_, err = env.svc.SetWitnessStatus(ctx, ns, "ghost", StatusBanned)
	assert.True(t, errors.Is(err, ErrUnknownWitness))

	banned, err := env.svc.ListWitnesses(ctx, ns, StatusBanned)
	require.NoError(t, err)
	require.Len(t, banned, 1)
	assert.Equal(t, "w1", banned[0].ID)

	active, err := env.svc.ListWitnesses(ctx, ns, StatusActive, StatusRetired)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w2", active[0].ID)

	assert.Len(t, env.sink.OfType(audit.EventWitnessStatus), 2)
}

func TestAppendCheckpointChains(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	head, err := env.svc.Head(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	first := env.appendCheckpoint(t, "digest-1")
	second := env.appendCheckpoint(t, "digest-2")

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Empty(t, first.PrevDigest)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, Digest(first.Payload), second.PrevDigest)

	head, err = env.svc.Head(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
	raw, _, err := env.store.GetItem(ctx, storage.CheckpointHeadKey(ns))
	require.NoError(t, err)
	assert.Equal(t, "2", raw)

	require.NoError(t, env.svc.VerifyChain(ctx, ns))

	_, err = env.svc.GetCheckpoint(ctx, ns, 9)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))

	_, err = env.svc.AppendCheckpoint(ctx, ns, Content{})
	assert.Error(t, err)
}

func TestVerifyChainDetectsRewrite(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.appendCheckpoint(t, "digest-1")
	env.appendCheckpoint(t, "digest-2")

	// Rewrite checkpoint 1 consistently; checkpoint 2 no longer links to it.
	cp, err := env.svc.GetCheckpoint(ctx, ns, 1)
	require.NoError(t, err)
	cp.StateDigest = "forged"
	cp.Payload, err = BuildWitnessPayload(cp)
	require.NoError(t, err)
	require.NoError(t, storage.SaveJSON(ctx, env.store, storage.CheckpointKey(ns, 1), cp))

	assert.True(t, errors.Is(env.svc.VerifyChain(ctx, ns), ErrChainBroken))
}

func TestIngestWitnessSig(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")
	cp := env.appendCheckpoint(t, "digest-1")

	res := env.sign(t, cp.Sequence, "w1")
	assert.True(t, res.Accepted)
	assert.False(t, res.Replaced)

	res = env.sign(t, cp.Sequence, "w1")
	assert.True(t, res.Accepted)
	assert.True(t, res.Replaced)

	stored, err := env.svc.GetCheckpoint(ctx, ns, cp.Sequence)
	require.NoError(t, err)
	assert.Len(t, stored.Signatures, 1)
	assert.Equal(t, cp.Payload, stored.Payload)

	// w2 signing something else is rejected.
	badSig, err := env.signers["w2"].Sign([]byte("another payload"))
	require.NoError(t, err)
	res, err = env.svc.IngestWitnessSig(ctx, ns, cp.Sequence, "w2", badSig)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectBadSignature, res.Reason)

	res, err = env.svc.IngestWitnessSig(ctx, ns, cp.Sequence, "ghost", badSig)
	require.NoError(t, err)
	assert.Equal(t, RejectUnknownWitness, res.Reason)

	_, err = env.svc.SetWitnessStatus(ctx, ns, "w2", StatusBanned)
	require.NoError(t, err)
	assert.Equal(t, RejectWitnessBanned, env.sign(t, cp.Sequence, "w2").Reason)

	_, err = env.svc.IngestWitnessSig(ctx, ns, 42, "w1", badSig)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))

	assert.Len(t, env.sink.OfType(audit.EventSignatureRejected), 3)
	assert.Len(t, env.sink.OfType(audit.EventSignatureIngested), 2)
}

func TestIngestRetiredGrace(t *testing.T) {
	env := newTestEnv(t, Config{RetiredGraceDays: 7})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	cp := env.appendCheckpoint(t, "digest-1")

	_, err := env.svc.SetWitnessStatus(ctx, ns, "w1", StatusRetired)
	require.NoError(t, err)

	env.clock.t = env.clock.t.Add(6 * 24 * time.Hour)
	assert.True(t, env.sign(t, cp.Sequence, "w1").Accepted)

	env.clock.t = env.clock.t.Add(2 * 24 * time.Hour)
	assert.Equal(t, RejectRetiredPastGrace, env.sign(t, cp.Sequence, "w1").Reason)
}

type revokedKeys map[string]bool

func (r revokedKeys) IsSignerRevoked(_ context.Context, publicKey string) (bool, error) {
	return r[publicKey], nil
}

func TestIngestRevokedSigner(t *testing.T) {
	revoked := revokedKeys{}
	env := newTestEnv(t, Config{Revocations: revoked})

	signer := env.addWitness(t, "w1", "orgA")
	cp := env.appendCheckpoint(t, "digest-1")
	revoked[signer.Public().String()] = true

	assert.Equal(t, RejectSignerRevoked, env.sign(t, cp.Sequence, "w1").Reason)
}

func TestIngestDetectsTamperedPayload(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	cp := env.appendCheckpoint(t, "digest-1")

	cp.StateDigest = "rewritten"
	require.NoError(t, storage.SaveJSON(ctx, env.store, storage.CheckpointKey(ns, cp.Sequence), cp))

	sig, err := env.signers["w1"].Sign(cp.Payload)
	require.NoError(t, err)
	_, err = env.svc.IngestWitnessSig(ctx, ns, cp.Sequence, "w1", sig)
	assert.True(t, errors.Is(err, ErrCheckpointTampered))

	_, err = env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, registration)
	assert.True(t, errors.Is(err, ErrCheckpointTampered))
}

func TestIngestGatedWhenOverLimit(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")
	cp := env.appendCheckpoint(t, "digest-1")

	// The limit is lowered after registration.
	env.svc.maxActive = 1

	sig, err := env.signers["w1"].Sign(cp.Payload)
	require.NoError(t, err)
	_, err = env.svc.IngestWitnessSig(context.Background(), ns, cp.Sequence, "w1", sig)
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, ViolationMaxActiveWitnesses, violation.Violation)

	stored, err := env.svc.GetCheckpoint(context.Background(), ns, cp.Sequence)
	require.NoError(t, err)
	assert.Empty(t, stored.Signatures)
}

func TestVerifyScenarioBannedOrganization(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "wa", "orgA")
	env.addWitness(t, "wb", "orgB")
	env.addWitness(t, "wc", "orgC")
	cp := env.appendCheckpoint(t, "digest-1")

	env.sign(t, cp.Sequence, "wa")
	env.sign(t, cp.Sequence, "wb")

	policy := Policy{MinSignatures: 2, RequiredOrgs: []string{"orgA"}}
	verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, policy)
	require.NoError(t, err)
	assert.True(t, verdict.Witnessed)
	assert.Equal(t, []string{"wa", "wb"}, verdict.Signers)
	assert.Empty(t, verdict.Reasons)

	env.sign(t, cp.Sequence, "wc")
	policy.BannedOrgs = []string{"orgC"}

	verdict, err = env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, policy)
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
	assert.Equal(t, []Reason{ReasonBannedOrgPresent}, verdict.Reasons)
	assert.Equal(t, []string{"orgC"}, verdict.BannedOrgs)
}

func TestVerifyMissingRequiredOrg(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.addWitness(t, "wb1", "orgB")
	env.addWitness(t, "wb2", "orgB")
	cp := env.appendCheckpoint(t, "digest-1")
	env.sign(t, cp.Sequence, "wb1")
	env.sign(t, cp.Sequence, "wb2")

	verdict, err := env.svc.VerifyWitnessedCheckpoint(context.Background(), ns, cp.Sequence,
		Policy{MinSignatures: 3, RequiredOrgs: []string{"orgA", "orgB"}})
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
	assert.Equal(t, []Reason{ReasonMissingRequiredOrg, ReasonBelowThreshold}, verdict.Reasons)
	assert.Equal(t, []string{"orgA"}, verdict.MissingOrgs)
}

func TestVerifyThresholdMonotonicity(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.addWitness(t, fmt.Sprintf("w%d", i), fmt.Sprintf("org%d", i))
	}
	cp := env.appendCheckpoint(t, "digest-1")
	for i := 0; i < 3; i++ {
		env.sign(t, cp.Sequence, fmt.Sprintf("w%d", i))
	}

	flipped := false
	for m := 1; m <= 6; m++ {
		verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, Policy{MinSignatures: m, Justification: "test"})
		require.NoError(t, err)
		if m <= 3 {
			assert.True(t, verdict.Witnessed, "m=%d", m)
		} else {
			assert.False(t, verdict.Witnessed, "m=%d", m)
			assert.Contains(t, verdict.Reasons, ReasonBelowThreshold)
		}
		if !verdict.Witnessed {
			flipped = true
		}
		assert.False(t, flipped && verdict.Witnessed, "verdict flipped back at m=%d", m)
	}
}

func TestVerifyRetroactiveBan(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")
	cp := env.appendCheckpoint(t, "digest-1")
	env.sign(t, cp.Sequence, "w1")
	env.sign(t, cp.Sequence, "w2")

	policy := Policy{MinSignatures: 2}
	verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, policy)
	require.NoError(t, err)
	require.True(t, verdict.Witnessed)

	_, err = env.svc.SetWitnessStatus(ctx, ns, "w2", StatusBanned)
	require.NoError(t, err)

	verdict, err = env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, policy)
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
	assert.Equal(t, []string{"w1"}, verdict.Signers)
	assert.Equal(t, []string{"w2"}, verdict.Ineligible)

	// The banned witness' signature stays on record.
	stored, err := env.svc.GetCheckpoint(ctx, ns, cp.Sequence)
	require.NoError(t, err)
	assert.Contains(t, stored.Signatures, "w2")
}

func TestVerifyRetiredGraceFromPolicy(t *testing.T) {
	env := newTestEnv(t, Config{RetiredGraceDays: 30})
	ctx := context.Background()

	env.addWitness(t, "w1", "orgA")
	env.addWitness(t, "w2", "orgB")
	cp := env.appendCheckpoint(t, "digest-1")
	env.sign(t, cp.Sequence, "w1")
	env.sign(t, cp.Sequence, "w2")

	_, err := env.svc.SetWitnessStatus(ctx, ns, "w2", StatusRetired)
	require.NoError(t, err)
	env.clock.t = env.clock.t.Add(3 * 24 * time.Hour)

	verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, Policy{MinSignatures: 2, RetiredGracePeriodDays: 7})
	require.NoError(t, err)
	assert.True(t, verdict.Witnessed)

	verdict, err = env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, Policy{MinSignatures: 2, RetiredGracePeriodDays: 2})
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
}

func TestVerifyWithECDSAWitness(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	signer, err := keys.GenerateECDSAP256()
	require.NoError(t, err)
	_, err = env.svc.AddWitness(ctx, ns, Witness{ID: "hsm", PublicKey: signer.Public().String(), Organization: "orgA"}, registration)
	require.NoError(t, err)
	env.signers["hsm"] = signer
	env.addWitness(t, "w2", "orgB")

	cp := env.appendCheckpoint(t, "digest-1")
	assert.True(t, env.sign(t, cp.Sequence, "hsm").Accepted)
	assert.True(t, env.sign(t, cp.Sequence, "w2").Accepted)

	verdict, err := env.svc.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, Policy{MinSignatures: 2})
	require.NoError(t, err)
	assert.True(t, verdict.Witnessed)
}

func TestWithoutStorage(t *testing.T) {
	svc := New(Config{})
	_, err := svc.ListWitnesses(context.Background(), ns)
	assert.True(t, errors.Is(err, storage.ErrNotConfigured))
	_, err = svc.AppendCheckpoint(context.Background(), ns, Content{StateDigest: "x"})
	assert.True(t, errors.Is(err, storage.ErrNotConfigured))
}
