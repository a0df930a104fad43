package witness

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrNonCanonical is returned for values that have no canonical encoding
var ErrNonCanonical = errors.New("witness: value has no canonical encoding")

// Canonicalize encodes v as deterministic JSON: object keys sorted
// lexicographically, no insignificant whitespace, no HTML escaping and
// integers only. Floating point numbers are rejected.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		if strings.ContainsAny(string(t), ".eE") {
			return fmt.Errorf("%w: non-integer number %s", ErrNonCanonical, t)
		}
		buf.WriteString(string(t))
	case string:
		writeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNonCanonical, v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// signable is the logical content of a checkpoint. Signatures and the
// payload itself are not part of it.
type signable struct {
	Sequence    uint64            `json:"sequence"`
	Namespace   string            `json:"namespace"`
	StateDigest string            `json:"state_digest"`
	PrevDigest  string            `json:"prev_digest"`
	CreatedAt   int64             `json:"created_at"`
	Attributes  map[string]string `json:"attributes"`
}

// BuildWitnessPayload returns the canonical bytes witnesses sign for cp.
// Logically equal checkpoints always produce identical bytes.
func BuildWitnessPayload(cp Checkpoint) ([]byte, error) {
	attrs := cp.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return Canonicalize(signable{
		Sequence:    cp.Sequence,
		Namespace:   cp.Namespace,
		StateDigest: cp.StateDigest,
		PrevDigest:  cp.PrevDigest,
		CreatedAt:   cp.CreatedAt,
		Attributes:  attrs,
	})
}

// Digest returns the hex BLAKE2b-256 digest of a payload
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
