package main

import (
	"context"
	"testing"

	"trustsync/pkg/audit"
	"trustsync/pkg/config"
	"trustsync/pkg/keys"
	"trustsync/pkg/witness"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	t.Setenv("TRUSTSYNC_CONFIG_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Namespace = "team"
	cfg.Storage.Driver = config.DriverMemory
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAppQueuesRegistryWrites(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.revocations.RevokeInvite(ctx, "inv-1"))

	pending, err := a.engine.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestAppRevokedSignerFailsVerification(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	ns := a.cfg.Namespace

	p := witness.Policy{MinSignatures: 1, Justification: "single operator"}
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)
	_, err = a.witnesses.AddWitness(ctx, ns, witness.Witness{
		ID:           "w1",
		PublicKey:    signer.Public().String(),
		Organization: "orgA",
	}, p)
	require.NoError(t, err)

	cp, err := a.witnesses.AppendCheckpoint(ctx, ns, witness.Content{StateDigest: "abc"})
	require.NoError(t, err)
	sig, err := signer.Sign(cp.Payload)
	require.NoError(t, err)
	res, err := a.witnesses.IngestWitnessSig(ctx, ns, cp.Sequence, "w1", sig)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	verdict, err := a.witnesses.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, p)
	require.NoError(t, err)
	assert.True(t, verdict.Witnessed)

	_, err = a.revocations.RevokeSigner(ctx, signer.Public().String(), nil)
	require.NoError(t, err)

	verdict, err = a.witnesses.VerifyWitnessedCheckpoint(ctx, ns, cp.Sequence, p)
	require.NoError(t, err)
	assert.False(t, verdict.Witnessed)
}

func TestAuthorizeUsesActorFlags(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	actorID, actorRole = "", ""
	assert.NoError(t, a.authorize(ctx, "witness.ban"))

	sink := audit.NewMemorySink()
	a.audit = audit.Multi{a.audit, sink}

	actorID, actorRole = "vic", "viewer"
	t.Cleanup(func() { actorID, actorRole = "", "" })
	assert.Error(t, a.authorize(ctx, "witness.ban"))

	denied := sink.OfType(audit.EventPolicyDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "vic", denied[0].Actor)
	assert.Equal(t, "team", denied[0].Namespace)
	assert.Equal(t, "witness.ban", denied[0].Metadata["operation"])
	assert.Equal(t, "viewer", denied[0].Metadata["role"])
	assert.NotEmpty(t, denied[0].Metadata["reason"])

	actorRole = "security"
	assert.NoError(t, a.authorize(ctx, "witness.ban"))
	assert.Len(t, sink.OfType(audit.EventPolicyDenied), 1)
}

func TestPolicyFlagsResolve(t *testing.T) {
	base := witness.Policy{MinSignatures: 2, RetiredGracePeriodDays: 7}

	flags := policyFlags{graceDays: -1}
	assert.Equal(t, base, flags.resolve(base))

	flags = policyFlags{minSignatures: 3, requiredOrgs: []string{"orgA"}, graceDays: 0}
	p := flags.resolve(base)
	assert.Equal(t, 3, p.MinSignatures)
	assert.Equal(t, []string{"orgA"}, p.RequiredOrgs)
	assert.Equal(t, 0, p.RetiredGracePeriodDays)
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"epoch=4", "source=ci=main"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"epoch": "4", "source": "ci=main"}, attrs)

	_, err = parseAttributes([]string{"novalue"})
	assert.Error(t, err)

	attrs, err = parseAttributes(nil)
	require.NoError(t, err)
	assert.Nil(t, attrs)
}
