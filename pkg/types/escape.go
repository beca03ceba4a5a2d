package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Separators of the textual object formats, from outermost to innermost.
const (
	SeparatorLevel1  = "/"
	SeparatorLevel2  = ","
	SeparatorLevel3  = ";"
	SeparatorLevel4  = ":"
	SeparatorMapping = "="
)

// NullEncoding is the reserved escaped form of a null value.
const NullEncoding = "%00"

// Escape percent-encodes text so it never contains a separator, '*' or '~'.
// Spaces become '+'.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}

// EscapeNullable escapes an optional value; nil is written as NullEncoding.
func EscapeNullable(s *string) string {
	if s == nil {
		return NullEncoding
	}
	return Escape(*s)
}

// Unescape reverses Escape. NullEncoding is rejected, use UnescapeNullable
// where null is allowed.
func Unescape(s string) (string, error) {
	if s == NullEncoding {
		return "", fmt.Errorf("unexpected null value")
	}
	v, err := url.QueryUnescape(s)
	if err != nil {
		return "", fmt.Errorf("unescaping %q: %w", s, err)
	}
	return v, nil
}

// UnescapeNullable reverses EscapeNullable.
func UnescapeNullable(s string) (*string, error) {
	if s == NullEncoding {
		return nil, nil
	}
	v, err := Unescape(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
