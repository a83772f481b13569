package tdbus

import (
	"fmt"

	"github.com/tdbus/tdbus/fragments"
)

// unmarshalArgs decodes one value per complete type in sig from dec,
// returning the values in order.
func unmarshalArgs(dec *fragments.Decoder, sig Signature) ([]any, error) {
	return unmarshalSeq(dec, string(sig))
}

func unmarshalSeq(dec *fragments.Decoder, sig string) ([]any, error) {
	ret := []any{}
	for rest := sig; rest != ""; {
		var one string
		one, rest = nextType(rest)
		v, err := unmarshalOne(dec, one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// unmarshalOne decodes a single value of the given complete type.
func unmarshalOne(dec *fragments.Decoder, one string) (any, error) {
	switch code := one[0]; code {
	case 'y':
		return dec.Uint8()
	case 'b':
		return dec.Bool()
	case 'n':
		return dec.Int16()
	case 'q':
		return dec.Uint16()
	case 'i':
		return dec.Int32()
	case 'u':
		return dec.Uint32()
	case 'x':
		return dec.Int64()
	case 't':
		return dec.Uint64()
	case 'd':
		return dec.Float64()
	case 's':
		return dec.String()
	case 'o':
		s, err := dec.String()
		return ObjectPath(s), err
	case 'g':
		s, err := dec.Signature()
		return Signature(s), err
	case 'v':
		return unmarshalVariant(dec)
	case 'a':
		return unmarshalArray(dec, one[1:])
	case '(':
		var fields []any
		err := dec.Struct(func() error {
			var err error
			fields, err = unmarshalSeq(dec, one[1:len(one)-1])
			return err
		})
		return fields, err
	default:
		return nil, fmt.Errorf("unsupported type code %q", code)
	}
}

func unmarshalArray(dec *fragments.Decoder, elem string) (any, error) {
	// Byte arrays surface as raw byte strings.
	if elem == "y" {
		return dec.Bytes()
	}

	// Arrays of dict entries surface as a mapping. Duplicate keys
	// resolve last-write-wins, in wire order.
	if elem[0] == '{' {
		keySig, valSig := nextTypeInDict(elem[1 : len(elem)-1])
		ret := map[any]any{}
		_, err := dec.Array(true, func(int) error {
			return dec.Struct(func() error {
				k, err := unmarshalOne(dec, keySig)
				if err != nil {
					return err
				}
				v, err := unmarshalOne(dec, valSig)
				if err != nil {
					return err
				}
				ret[k] = v
				return nil
			})
		})
		return ret, err
	}

	ret := []any{}
	_, err := dec.Array(align8(elem), func(int) error {
		v, err := unmarshalOne(dec, elem)
		if err != nil {
			return err
		}
		ret = append(ret, v)
		return nil
	})
	return ret, err
}

func unmarshalVariant(dec *fragments.Decoder) (any, error) {
	s, err := dec.Signature()
	if err != nil {
		return nil, err
	}
	sig, err := ParseSignature(s)
	if err != nil {
		return nil, fmt.Errorf("reading variant: %w", err)
	}
	if n, _ := oneComplete(s, 0, 0, false); s == "" || n != len(s) {
		return nil, &SignatureError{s, "variant signature must be exactly one complete type"}
	}
	v, err := unmarshalOne(dec, s)
	if err != nil {
		return nil, fmt.Errorf("reading variant value (signature %q): %w", s, err)
	}
	return Variant{sig, v}, nil
}
