// Copyright 2025 Archon Governance Systems

package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FromAny converts a decoded interface{} tree (the shape encoding/json
// produces when unmarshaling into interface{} — nil, bool, float64/json.Number,
// string, []interface{}, map[string]interface{}) into a Value. This is the
// only place encoding/json's own marshaling rules are allowed to leak in:
// the tree it produces is immediately normalized into Value, and every byte
// Encode later writes is controlled by this package, not encoding/json.
func FromAny(v interface{}) (Value, error) {
	switch vv := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(vv), nil
	case string:
		return String(vv), nil
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := vv.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("canon: number %q: %w", vv.String(), err)
		}
		return Float(f), nil
	case float64:
		if i := int64(vv); float64(i) == vv {
			return Int(i), nil
		}
		return Float(vv), nil
	case int:
		return Int(int64(vv)), nil
	case int64:
		return Int(vv), nil
	case uint64:
		return Int(int64(vv)), nil
	case []interface{}:
		out := make([]Value, len(vv))
		for i, e := range vv {
			cv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("canon: array[%d]: %w", i, err)
			}
			out[i] = cv
		}
		return Array(out...), nil
	case []Value:
		return Array(vv...), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(vv))
		for k, e := range vv {
			cv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("canon: object[%q]: %w", k, err)
			}
			out[k] = cv
		}
		return Object(out), nil
	case map[string]Value:
		return Object(vv), nil
	case Value:
		return vv, nil
	default:
		return Value{}, fmt.Errorf("canon: unsupported type %T", v)
	}
}

// ParseJSON decodes raw JSON bytes (preserving full integer precision via
// json.Number) and converts the result into a Value.
func ParseJSON(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("canon: parse json: %w", err)
	}
	return FromAny(v)
}

// ToAny converts a Value back into a plain interface{} tree, useful for
// re-marshaling with encoding/json for transport (never for canonical
// hashing — use Encode for that).
func ToAny(v Value) interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = ToAny(e)
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}
