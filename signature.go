package tdbus

import "fmt"

// Limits imposed by the DBus specification on type signatures.
const (
	maxSignatureLen = 255
	maxNestingDepth = 32
)

// A Signature is a validated DBus type signature: the concatenation
// of zero or more complete types describing a message body or a
// variant payload.
type Signature string

// String returns the string form of the signature.
func (s Signature) String() string { return string(s) }

// ParseSignature validates sig and returns it as a Signature.
//
// A signature is rejected if it is longer than 255 bytes, nests
// arrays or structs/dict entries more than 32 levels deep, contains
// unbalanced brackets, places a dict entry anywhere but directly
// inside an array, or uses an unknown type code.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", &SignatureError{sig, fmt.Sprintf("longer than %d bytes", maxSignatureLen)}
	}
	rest := sig
	for rest != "" {
		n, err := oneComplete(rest, 0, 0, false)
		if err != nil {
			return "", &SignatureError{sig, err.Error()}
		}
		rest = rest[n:]
	}
	return Signature(sig), nil
}

// mustParseSignature is for signatures known valid at compile time.
func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// isBasicCode reports whether c is a fixed or string-like basic type
// code. 'h' (unix fd) is part of the signature grammar even though
// the value codec does not handle it.
func isBasicCode(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// oneComplete returns the length of the single complete type at the
// front of sig. arrayDepth and structDepth count the enclosing array
// and struct/dict-entry nesting independently; inArray reports
// whether the immediately enclosing type is an array, the only
// position where a dict entry is legal.
func oneComplete(sig string, arrayDepth, structDepth int, inArray bool) (int, error) {
	if sig == "" {
		return 0, fmt.Errorf("truncated type")
	}
	c := sig[0]
	if isBasicCode(c) || c == 'v' {
		return 1, nil
	}
	switch c {
	case 'a':
		if arrayDepth+1 > maxNestingDepth {
			return 0, fmt.Errorf("arrays nested more than %d deep", maxNestingDepth)
		}
		n, err := oneComplete(sig[1:], arrayDepth+1, structDepth, true)
		if err != nil {
			return 0, err
		}
		return 1 + n, nil
	case '(':
		if structDepth+1 > maxNestingDepth {
			return 0, fmt.Errorf("structs nested more than %d deep", maxNestingDepth)
		}
		i := 1
		for i < len(sig) && sig[i] != ')' {
			n, err := oneComplete(sig[i:], arrayDepth, structDepth+1, false)
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(sig) {
			return 0, fmt.Errorf("unbalanced '(' in type")
		}
		if i == 1 {
			return 0, fmt.Errorf("empty struct type")
		}
		return i + 1, nil
	case '{':
		if !inArray {
			return 0, fmt.Errorf("dict entry outside array")
		}
		if structDepth+1 > maxNestingDepth {
			return 0, fmt.Errorf("dict entries nested more than %d deep", maxNestingDepth)
		}
		if len(sig) < 2 {
			return 0, fmt.Errorf("unbalanced '{' in type")
		}
		if !isBasicCode(sig[1]) {
			return 0, fmt.Errorf("dict entry key %q is not a basic type", sig[1])
		}
		n, err := oneComplete(sig[2:], arrayDepth, structDepth+1, false)
		if err != nil {
			return 0, err
		}
		i := 2 + n
		if i >= len(sig) || sig[i] != '}' {
			return 0, fmt.Errorf("unbalanced '{' in type")
		}
		return i + 1, nil
	default:
		return 0, fmt.Errorf("unknown type code %q", c)
	}
}

// nextType splits off the first complete type of sig. sig must be a
// validated signature.
func nextType(sig string) (one, rest string) {
	n, err := oneComplete(sig, 0, 0, false)
	if err != nil {
		panic(fmt.Sprintf("invalid signature %q slipped past validation: %v", sig, err))
	}
	return sig[:n], sig[n:]
}
