package tdbus

// maxNameLength is the longest name the bus accepts, per the DBus
// specification.
const maxNameLength = 255

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func isAlpha(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// IsValidPath reports whether s is a syntactically valid DBus object
// path: it begins with '/', contains only [A-Za-z0-9_] path elements,
// and has no empty elements and no trailing slash (other than the
// root path "/" itself).
func IsValidPath(s string) bool {
	if s == "" || s[0] != '/' {
		return false
	}
	for i := 1; i < len(s); i++ {
		b := s[i]
		if isAlnum(b) || b == '_' {
			continue
		}
		if b == '/' && s[i-1] != '/' && i+1 < len(s) {
			continue
		}
		return false
	}
	return true
}

// IsValidInterface reports whether s is a syntactically valid DBus
// interface name: dot-separated elements of [A-Za-z0-9_], beginning
// with a letter or underscore, with at least two elements and no
// empty ones, at most 255 bytes total.
func IsValidInterface(s string) bool {
	if s == "" || !(isAlpha(s[0]) || s[0] == '_') {
		return false
	}
	dots := 0
	for i := 1; i < len(s); i++ {
		b := s[i]
		if isAlnum(b) || b == '_' {
			continue
		}
		if b == '.' && s[i-1] != '.' && i+1 < len(s) {
			dots++
			continue
		}
		return false
	}
	return len(s) <= maxNameLength && dots > 0
}

// IsValidMember reports whether s is a syntactically valid DBus
// member (method or signal) name: [A-Za-z0-9_], beginning with a
// letter or underscore, at most 255 bytes, no dots.
func IsValidMember(s string) bool {
	if s == "" || !(isAlpha(s[0]) || s[0] == '_') {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlnum(s[i]) && s[i] != '_' {
			return false
		}
	}
	return len(s) <= maxNameLength
}

// IsValidBusName reports whether s is a syntactically valid DBus bus
// name. Well-known names look like interface names that additionally
// permit '-'. Unique names assigned by the bus begin with ':' and
// permit digits in any element position.
func IsValidBusName(s string) bool {
	i := 0
	if i < len(s) && s[i] == ':' {
		i++
		if i == len(s) {
			return false
		}
	}
	if i == len(s) || !(isAlnum(s[i]) || s[i] == '_' || s[i] == '-') {
		return false
	}
	dots := 0
	for i++; i < len(s); i++ {
		b := s[i]
		if isAlnum(b) || b == '_' || b == '-' {
			continue
		}
		if b == '.' && s[i-1] != '.' && i+1 < len(s) {
			dots++
			continue
		}
		return false
	}
	return len(s) <= maxNameLength && dots > 0
}
