package tdbus

import (
	"fmt"
	"math"

	"github.com/tdbus/tdbus/fragments"
)

// marshalArgs encodes args against the validated signature sig,
// appending the wire form to enc. The number of values must match
// the number of complete types in sig exactly.
func marshalArgs(enc *fragments.Encoder, sig Signature, args []any) error {
	return marshalSeq(enc, string(sig), args, 0, 0)
}

// marshalSeq encodes an ordered value sequence against a signature
// fragment, one complete type per value.
func marshalSeq(enc *fragments.Encoder, sig string, args []any, arrayDepth, structDepth int) error {
	i := 0
	for rest := sig; rest != ""; {
		var one string
		one, rest = nextType(rest)
		if i == len(args) {
			return fmt.Errorf("too few arguments for format string %q", sig)
		}
		if err := marshalOne(enc, one, args[i], arrayDepth, structDepth); err != nil {
			return err
		}
		i++
	}
	if i != len(args) {
		return fmt.Errorf("too many arguments for format string %q", sig)
	}
	return nil
}

// marshalOne encodes a single value against one complete type.
//
// The depth counters mirror the parser's accounting and re-enforce
// the nesting limits, independent of whether the signature was
// pre-validated.
func marshalOne(enc *fragments.Encoder, one string, arg any, arrayDepth, structDepth int) error {
	switch code := one[0]; code {
	case 'y', 'n', 'q', 'i', 'u', 'x', 't':
		return marshalInt(enc, code, arg)
	case 'b':
		b, ok := arg.(bool)
		if !ok {
			return fmt.Errorf("expecting bool argument for 'b' format, got %T", arg)
		}
		enc.Bool(b)
		return nil
	case 'd':
		f, ok := floatValue(arg)
		if !ok {
			return fmt.Errorf("expecting float argument for 'd' format, got %T", arg)
		}
		enc.Float64(f)
		return nil
	case 's':
		s, ok := stringValue(arg)
		if !ok {
			return fmt.Errorf("expecting string argument for 's' format, got %T", arg)
		}
		enc.String(s)
		return nil
	case 'o':
		s, ok := stringValue(arg)
		if !ok {
			return fmt.Errorf("expecting string argument for 'o' format, got %T", arg)
		}
		if !IsValidPath(s) {
			return &NameError{"object path", s}
		}
		enc.String(s)
		return nil
	case 'g':
		s, ok := stringValue(arg)
		if !ok {
			return fmt.Errorf("expecting string argument for 'g' format, got %T", arg)
		}
		if _, err := ParseSignature(s); err != nil {
			return err
		}
		enc.Signature(s)
		return nil
	case 'v':
		return marshalVariant(enc, arg, arrayDepth, structDepth)
	case 'a':
		return marshalArray(enc, one, arg, arrayDepth, structDepth)
	case '(':
		if structDepth+1 > maxNestingDepth {
			return fmt.Errorf("structs nested more than %d deep", maxNestingDepth)
		}
		fields, ok := arg.([]any)
		if !ok {
			return fmt.Errorf("expecting []any argument for struct format, got %T", arg)
		}
		return enc.Struct(func() error {
			return marshalSeq(enc, one[1:len(one)-1], fields, arrayDepth, structDepth+1)
		})
	default:
		return fmt.Errorf("unsupported type code %q", code)
	}
}

func marshalArray(enc *fragments.Encoder, one string, arg any, arrayDepth, structDepth int) error {
	if arrayDepth+1 > maxNestingDepth {
		return fmt.Errorf("arrays nested more than %d deep", maxNestingDepth)
	}
	elem := one[1:]

	// Byte arrays travel as raw byte strings.
	if elem == "y" {
		bs, ok := bytesValue(arg)
		if !ok {
			return fmt.Errorf("expecting string or []byte argument for array of byte, got %T", arg)
		}
		enc.Bytes(bs)
		return nil
	}

	// An array of dict entries is a mapping.
	if elem[0] == '{' {
		if structDepth+1 > maxNestingDepth {
			return fmt.Errorf("dict entries nested more than %d deep", maxNestingDepth)
		}
		m, ok := arg.(map[any]any)
		if !ok {
			return fmt.Errorf("expecting map[any]any argument for array of dict entry, got %T", arg)
		}
		kv := elem[1 : len(elem)-1]
		keySig, valSig := nextTypeInDict(kv)
		return enc.Array(true, func() error {
			for k, v := range m {
				err := enc.Struct(func() error {
					if err := marshalOne(enc, keySig, k, arrayDepth+1, structDepth+1); err != nil {
						return err
					}
					return marshalOne(enc, valSig, v, arrayDepth+1, structDepth+1)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	vs, ok := arg.([]any)
	if !ok {
		return fmt.Errorf("expecting []any argument for array format, got %T", arg)
	}
	return enc.Array(align8(elem), func() error {
		for _, v := range vs {
			if err := marshalOne(enc, elem, v, arrayDepth+1, structDepth); err != nil {
				return err
			}
		}
		return nil
	})
}

func marshalVariant(enc *fragments.Encoder, arg any, arrayDepth, structDepth int) error {
	var (
		sig string
		val any
	)
	switch v := arg.(type) {
	case Variant:
		sig, val = string(v.Sig), v.Value
	case []any:
		if len(v) != 2 {
			return fmt.Errorf("expecting a sequence of length 2 for variant, got length %d", len(v))
		}
		s, ok := stringValue(v[0])
		if !ok {
			return fmt.Errorf("first item of variant sequence must be a signature string, got %T", v[0])
		}
		sig, val = s, v[1]
	default:
		return fmt.Errorf("expecting Variant or []any argument for 'v' format, got %T", arg)
	}
	if _, err := ParseSignature(sig); err != nil {
		return err
	}
	if n, _ := oneComplete(sig, 0, 0, false); sig == "" || n != len(sig) {
		return &SignatureError{sig, "variant signature must be exactly one complete type"}
	}
	enc.Signature(sig)
	return marshalOne(enc, sig, val, arrayDepth, structDepth)
}

// marshalInt range-checks arg against the exact width implied by
// code before encoding it. Out-of-range values fail rather than
// silently truncate.
func marshalInt(enc *fragments.Encoder, code byte, arg any) error {
	i, u, neg, ok := intValue(arg)
	if !ok {
		return fmt.Errorf("expecting integer argument for %q format, got %T", code, arg)
	}
	outOfRange := func(min int64, max uint64) bool {
		if neg {
			return i < min
		}
		return u > max
	}
	switch code {
	case 'y':
		if outOfRange(0, math.MaxUint8) {
			return fmt.Errorf("value out of range for 'y' format: %v", arg)
		}
		enc.Uint8(uint8(u))
	case 'n':
		if outOfRange(math.MinInt16, math.MaxInt16) {
			return fmt.Errorf("value out of range for 'n' format: %v", arg)
		}
		enc.Int16(int16(i))
	case 'q':
		if outOfRange(0, math.MaxUint16) {
			return fmt.Errorf("value out of range for 'q' format: %v", arg)
		}
		enc.Uint16(uint16(u))
	case 'i':
		if outOfRange(math.MinInt32, math.MaxInt32) {
			return fmt.Errorf("value out of range for 'i' format: %v", arg)
		}
		enc.Int32(int32(i))
	case 'u':
		if outOfRange(0, math.MaxUint32) {
			return fmt.Errorf("value out of range for 'u' format: %v", arg)
		}
		enc.Uint32(uint32(u))
	case 'x':
		if outOfRange(math.MinInt64, math.MaxInt64) {
			return fmt.Errorf("value out of range for 'x' format: %v", arg)
		}
		enc.Int64(i)
	case 't':
		if outOfRange(0, math.MaxUint64) {
			return fmt.Errorf("value out of range for 't' format: %v", arg)
		}
		enc.Uint64(u)
	}
	return nil
}

// intValue normalizes any Go integer. For non-negative values both i
// and u are set; for negative values neg is true and only i is
// meaningful.
func intValue(v any) (i int64, u uint64, neg bool, ok bool) {
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int8:
		i = int64(n)
	case int16:
		i = int64(n)
	case int32:
		i = int64(n)
	case int64:
		i = n
	case uint:
		return int64(n), uint64(n), false, true
	case uint8:
		return int64(n), uint64(n), false, true
	case uint16:
		return int64(n), uint64(n), false, true
	case uint32:
		return int64(n), uint64(n), false, true
	case uint64:
		return int64(n), n, false, true
	default:
		return 0, 0, false, false
	}
	if i < 0 {
		return i, 0, true, true
	}
	return i, uint64(i), false, true
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, u, neg, ok := intValue(v); ok {
		if neg {
			return float64(i), true
		}
		return float64(u), true
	}
	return 0, false
}

// stringValue accepts text or byte strings; byte strings are written
// verbatim, text is already UTF-8 in Go.
func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case ObjectPath:
		return string(s), true
	case Signature:
		return string(s), true
	}
	return "", false
}

func bytesValue(v any) ([]byte, bool) {
	switch s := v.(type) {
	case []byte:
		return s, true
	case string:
		return []byte(s), true
	}
	return nil, false
}

// nextTypeInDict splits a dict entry interior into its key and value
// types. The key of a validated dict entry is always a single basic
// code.
func nextTypeInDict(kv string) (key, val string) {
	return kv[:1], kv[1:]
}

// align8 reports whether values of the given type code have 8-byte
// wire alignment.
func align8(one string) bool {
	switch one[0] {
	case 'x', 't', 'd', '(', '{':
		return true
	}
	return false
}
