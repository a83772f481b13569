package tdbus

import (
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	valid := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "v", "h",
		"ybnqiuxtdsogvh",
		"ay",
		"aay",
		"as",
		"(i)",
		"(ii)",
		"(i(ss))",
		"a(ii)",
		"a{sv}",
		"a{ys}",
		"aa{sv}",
		"a{s(iv)}",
		"(a{sv}ai)",
		"sa{sv}as",
		strings.Repeat("a", 32) + "y",
		strings.Repeat("(", 32) + "i" + strings.Repeat(")", 32),
		strings.Repeat("i", 255),
	}
	for _, sig := range valid {
		if _, err := ParseSignature(sig); err != nil {
			t.Errorf("ParseSignature(%q) failed: %v", sig, err)
		}
	}

	invalid := []string{
		"e",
		"z",
		"(",
		")",
		"()",
		"(i",
		"i)",
		"a",
		"aaa",
		"{sv}",
		"a{vs}",
		"a{s}",
		"a{siv}",
		"a{s",
		"(a{sv)}",
		strings.Repeat("a", 33) + "y",
		strings.Repeat("(", 33) + "i" + strings.Repeat(")", 33),
		strings.Repeat("i", 256),
	}
	for _, sig := range invalid {
		if _, err := ParseSignature(sig); err == nil {
			t.Errorf("ParseSignature(%q) unexpectedly succeeded", sig)
		}
	}
}

func TestNextType(t *testing.T) {
	tests := []struct {
		sig, one, rest string
	}{
		{"is", "i", "s"},
		{"ayi", "ay", "i"},
		{"(is)u", "(is)", "u"},
		{"a{sv}b", "a{sv}", "b"},
		{"v", "v", ""},
	}
	for _, tc := range tests {
		one, rest := nextType(tc.sig)
		if one != tc.one || rest != tc.rest {
			t.Errorf("nextType(%q) = %q, %q; want %q, %q", tc.sig, one, rest, tc.one, tc.rest)
		}
	}
}
