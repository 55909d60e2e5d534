// Copyright 2025 Archon Governance Systems
//
// Canonical Encoder — deterministic byte serialization for hashing and
// signing. See pkg/commitment in the prior art this package generalizes.

package canon

import "fmt"

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is a tagged-variant tree: the single structural type the canonical
// encoder knows how to serialize. Every payload, signable tuple, and
// checkpoint field passed to the encoder must first be converted to a
// Value via FromAny or built directly with the constructors below.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	arr    []Value
	obj    map[string]Value
	objSeq []string // insertion order irrelevant to output, kept only for diagnostics
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value    { return Value{kind: KindArray, arr: vs} }

// Object builds an object Value from a map. Key order is insignificant:
// Encode always sorts keys lexicographically before writing.
func Object(m map[string]Value) Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return Value{kind: KindObject, obj: m, objSeq: keys}
}

// Kind reports the variant held.
func (v Value) Kind() Kind { return v.kind }

// Field fetches a field of an object Value; ok is false if v is not an
// object or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

func (v Value) String() string {
	b, err := EncodeVersion(v, 1)
	if err != nil {
		return fmt.Sprintf("<canon error: %v>", err)
	}
	return string(b)
}

// MarshalJSON writes v in its version-1 canonical encoding, which is valid
// JSON, so a Value held in a struct field survives encoding/json.
func (v Value) MarshalJSON() ([]byte, error) { return EncodeVersion(v, 1) }

// UnmarshalJSON parses raw JSON into v via ParseJSON, keeping integers exact.
func (v *Value) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
