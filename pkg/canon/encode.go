// Copyright 2025 Archon Governance Systems

package canon

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CurrentVersion is the canonical encoding version used by new events.
// Verification rejects any hash_algorithm_version it does not recognize.
const CurrentVersion = 1

// Encode serializes v under CurrentVersion. Two structurally equal values
// always produce identical bytes regardless of original map insertion
// order.
func Encode(v Value) []byte {
	b, err := EncodeVersion(v, CurrentVersion)
	if err != nil {
		// CurrentVersion is always supported; a failure here means the
		// Value tree itself is malformed (e.g. a non-finite float), which
		// callers should have validated before reaching this point.
		panic(err)
	}
	return b
}

// EncodeVersion serializes v under the named encoding version. Unknown
// versions are rejected rather than silently treated as version 1.
func EncodeVersion(v Value, version int) ([]byte, error) {
	if version != 1 {
		return nil, fmt.Errorf("canon: unsupported encoding version %d", version)
	}
	var sb strings.Builder
	if err := writeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeValue(sb *strings.Builder, v Value) error {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		if v.b {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fmt.Errorf("canon: non-finite float cannot be canonically encoded")
		}
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		writeString(sb, v.s)
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			if err := writeValue(sb, v.obj[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canon: unknown value kind %d", v.kind)
	}
	return nil
}

// writeString writes a JSON-compatible, minimally-escaped string literal.
func writeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}
