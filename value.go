package experiment

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags the payload carried by a Value.
type ValueKind string

const (
	KindDataset  ValueKind = "dataset"
	KindTable    ValueKind = "table"
	KindModel    ValueKind = "model"
	KindScalar   ValueKind = "scalar"
	KindSequence ValueKind = "sequence"
	KindRaw      ValueKind = "raw"
)

// Value is an opaque, serializable result handle produced by a block.
// Ref points at data held elsewhere (object storage, a job result), Data
// carries small inline payloads.
type Value struct {
	Kind ValueKind       `json:"kind"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RefValue builds a handle that points at externally stored data.
func RefValue(kind ValueKind, ref string) Value {
	return Value{Kind: kind, Ref: ref}
}

// InlineValue marshals v into the value payload.
func InlineValue(kind ValueKind, v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("marshal %s value: %w", kind, err)
	}
	return Value{Kind: kind, Data: raw}, nil
}

// MustInline is InlineValue for payloads that are known to marshal.
func MustInline(kind ValueKind, v any) Value {
	out, err := InlineValue(kind, v)
	if err != nil {
		panic(err)
	}
	return out
}

// IsZero reports whether the value carries nothing.
func (v Value) IsZero() bool {
	return v.Kind == "" && v.Ref == "" && len(v.Data) == 0
}

// Decode unmarshals the inline payload into out.
func (v Value) Decode(out any) error {
	if len(v.Data) == 0 {
		return fmt.Errorf("value %q has no inline data", v.Kind)
	}
	return json.Unmarshal(v.Data, out)
}

// Clone returns a deep copy that shares no memory with v.
func (v Value) Clone() Value {
	out := v
	if v.Data != nil {
		out.Data = bytes.Clone(v.Data)
	}
	return out
}

// Equal compares kind, ref and the raw payload bytes.
func (v Value) Equal(other Value) bool {
	return v.Kind == other.Kind && v.Ref == other.Ref && bytes.Equal(v.Data, other.Data)
}

// CloneValues deep copies a value map.
func CloneValues(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
