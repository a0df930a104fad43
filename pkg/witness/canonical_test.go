package witness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]interface{}{}
	a["zeta"] = 1
	a["alpha"] = map[string]interface{}{"y": true, "x": nil}
	a["mid"] = []interface{}{"b", "a"}

	b := map[string]interface{}{}
	b["mid"] = []interface{}{"b", "a"}
	b["alpha"] = map[string]interface{}{"x": nil, "y": true}
	b["zeta"] = 1

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
	assert.Equal(t, `{"alpha":{"x":null,"y":true},"mid":["b","a"],"zeta":1}`, string(ca))
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]string{"q": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a&b>"}`, string(out))
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	_, err := Canonicalize(map[string]interface{}{"ratio": 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonCanonical))

	out, err := Canonicalize(map[string]interface{}{"n": int64(-42), "big": uint64(1) << 63})
	require.NoError(t, err)
	assert.Equal(t, `{"big":9223372036854775808,"n":-42}`, string(out))
}

func TestBuildWitnessPayloadDeterministic(t *testing.T) {
	attrsA := map[string]string{}
	attrsA["tasks"] = "17"
	attrsA["board"] = "roadmap"
	attrsA["author"] = "device-1"

	attrsB := map[string]string{}
	attrsB["author"] = "device-1"
	attrsB["board"] = "roadmap"
	attrsB["tasks"] = "17"

	cpA := Checkpoint{Sequence: 3, Namespace: "team", StateDigest: "abc", PrevDigest: "def", CreatedAt: 1700000000000, Attributes: attrsA}
	cpB := Checkpoint{Attributes: attrsB, CreatedAt: 1700000000000, PrevDigest: "def", StateDigest: "abc", Namespace: "team", Sequence: 3}

	pa, err := BuildWitnessPayload(cpA)
	require.NoError(t, err)
	pb, err := BuildWitnessPayload(cpB)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	// Signatures never influence the payload.
	cpB.Signatures = map[string][]byte{"w1": []byte("sig")}
	pc, err := BuildWitnessPayload(cpB)
	require.NoError(t, err)
	assert.Equal(t, pa, pc)

	// Nil and empty attributes are the same content.
	pNil, err := BuildWitnessPayload(Checkpoint{Sequence: 1, Namespace: "team", StateDigest: "abc"})
	require.NoError(t, err)
	pEmpty, err := BuildWitnessPayload(Checkpoint{Sequence: 1, Namespace: "team", StateDigest: "abc", Attributes: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, pNil, pEmpty)
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("payload"))
	assert.Len(t, d, 64)
	assert.Equal(t, d, Digest([]byte("payload")))
	assert.NotEqual(t, d, Digest([]byte("payload2")))
}
