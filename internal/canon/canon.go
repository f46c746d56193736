// Package canon produces canonical JSON (sorted keys, no insignificant
// whitespace) and the SHA-256 fingerprint used to match Example inputs
// across source and destination (spec.md §3 invariant 7).
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// JSON returns the canonical-JSON serialization of v: object keys sorted,
// no insignificant whitespace. v is first round-tripped through
// encoding/json so that map[string]interface{}, structs, and
// json.RawMessage all normalize to the same representation.
func JSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return marshalSorted(normalized)
}

// Hash returns the hex-encoded SHA-256 of the canonical JSON of v.
func Hash(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalSorted writes v as JSON with every object's keys in sorted order
// and no extra whitespace. encoding/json already sorts map[string]T keys,
// but a generic map[string]interface{} produced by json.Decode needs the
// same treatment applied recursively, and we want it explicit rather than
// relying on an implementation detail of the stdlib encoder.
func marshalSorted(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeSorted(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSorted(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeSorted(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeSorted(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
