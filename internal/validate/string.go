// Package validate checks identifiers taken from request paths and headers
// before they reach the audit log.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrEmpty             = errors.New("string is empty")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidUTF8       = errors.New("string is not valid UTF-8")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
)

// DefaultMaxIdentifierLength bounds scope and actor identifiers.
const DefaultMaxIdentifierLength = 256

// IdentifierConstraints defines validation constraints for an identifier.
type IdentifierConstraints struct {
	MaxLength  int  // Maximum length in characters (0 = DefaultMaxIdentifierLength)
	ASCIIOnly  bool // Restrict to printable ASCII
	AllowSpace bool // Allow interior spaces
	TrimSpace  bool // Trim surrounding whitespace before validation
}

// Identifier validates s against c and returns the (optionally trimmed)
// value. Control characters are always rejected.
func Identifier(s string, c IdentifierConstraints) (string, error) {
	if c.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return "", ErrEmpty
	}
	if !utf8.ValidString(s) {
		return "", ErrInvalidUTF8
	}

	max := c.MaxLength
	if max <= 0 {
		max = DefaultMaxIdentifierLength
	}
	if n := utf8.RuneCountInString(s); n > max {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, n, max)
	}

	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, r)
		case r == ' ' && !c.AllowSpace:
			return "", fmt.Errorf("%w: space", ErrInvalidCharacters)
		case unicode.IsSpace(r) && r != ' ':
			return "", fmt.Errorf("%w: whitespace %U", ErrInvalidCharacters, r)
		case c.ASCIIOnly && r > unicode.MaxASCII:
			return "", fmt.Errorf("%w: non-ASCII %U", ErrInvalidCharacters, r)
		}
	}
	return s, nil
}

// ScopeID validates a chain scope identifier. Any printable Unicode is
// allowed, including slashes.
func ScopeID(s string) (string, error) {
	return Identifier(s, IdentifierConstraints{})
}

// ActorID validates an actor identity copied from a trusted header.
func ActorID(s string) (string, error) {
	return Identifier(s, IdentifierConstraints{ASCIIOnly: true, AllowSpace: true, TrimSpace: true})
}
