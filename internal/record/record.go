// Package record holds the loosely-typed JSON document type the engine
// reads from and writes to the platform's HTTP API.
//
// The source and destination schemas are both server-owned and evolve
// independently of this tool; rather than hand-maintain a fixed Go struct
// per kind that would silently drop unknown fields on every PATCH, each
// resource is carried as a Record (a map[string]interface{}), and
// migrators pull the handful of fields they need to
// reason about (name, id, parent id, dotted_order, ...) through the typed
// accessors below. This keeps the "duck-typed dict" shape of the original
// API payloads — which is unavoidable without a copy of the server's
// schema — while replacing the original's *dispatch* on that shape
// (method lookups by string key) with explicit per-kind migrator code
// that is the only place field names are referenced.
package record

import (
	"encoding/json"
)

// Record is one JSON object as returned by, or about to be sent to, the
// platform API.
type Record map[string]interface{}

// Clone deep-copies a Record via a JSON round trip. Migrators build the
// destination payload by cloning the source record and mutating specific
// fields, so a clone must never alias the source's nested maps/slices.
func (r Record) Clone() Record {
	b, err := json.Marshal(r)
	if err != nil {
		// Record was built from a prior json.Unmarshal, so it is always
		// marshalable; a failure here indicates a caller stored a
		// non-JSON value (e.g. a channel) into it, which is a bug.
		panic("record: clone of unmarshalable record: " + err.Error())
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		panic("record: clone roundtrip failed: " + err.Error())
	}
	return out
}

func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (r Record) StringPtr(key string) *string {
	s := r.String(key)
	if s == "" {
		return nil
	}
	return &s
}

func (r Record) Bool(key string) bool {
	v, ok := r[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ID reads the first of "id", "_id", "uuid" present — the same
// fallback chain the pagination driver uses for dedup (spec.md §4.2).
func (r Record) ID() string {
	for _, key := range []string{"id", "_id", "uuid"} {
		if s := r.String(key); s != "" {
			return s
		}
	}
	return ""
}

func (r Record) Object(key string) Record {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return Record(m)
	}
	return nil
}

func (r Record) Slice(key string) []interface{} {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	s, _ := v.([]interface{})
	return s
}

// IsNull reports whether key is present and explicitly JSON null, as
// distinct from absent — needed to implement "strip every field whose
// value is null" (spec.md Run rules) without stripping fields the caller
// never set.
func (r Record) IsNull(key string) bool {
	v, ok := r[key]
	return ok && v == nil
}

// StripNulls removes every key whose value is JSON null, recursively
// through nested objects (but not through slices of objects, which
// migrators that need that depth walk explicitly — e.g. Rule evaluators).
func StripNulls(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		if v == nil {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = StripNulls(Record(m))
			continue
		}
		out[k] = v
	}
	return out
}

// DeepStripNulls removes null-valued keys recursively through nested
// objects and through objects nested inside slices, used by Rule
// evaluator cleaning (spec.md §4.4 Rule: "clean null values out of every
// evaluator sub-object recursively before send").
func DeepStripNulls(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			if vv == nil {
				continue
			}
			out[k] = DeepStripNulls(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = DeepStripNulls(vv)
		}
		return out
	default:
		return v
	}
}

// Decode re-marshals v into a Record, used to turn typed payload builders
// back into the wire shape before posting.
func Decode(v interface{}) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}
