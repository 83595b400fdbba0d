// Package sanitize turns caller-supplied identifiers into safe NATS subject
// tokens and checks paths and ids at the service boundary.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxTokenLength bounds a single subject token.
	MaxTokenLength = 64

	// HashSuffixLength is the length of the "_<8 hex>" suffix added to
	// rewritten tokens.
	HashSuffixLength = 9

	// DefaultToken is used for empty input.
	DefaultToken = "default"
)

func validTokenRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-'
}

// Token returns s as a single NATS subject token.
//
// Tokens made only of letters, digits, '_' and '-' that fit MaxTokenLength
// pass through unchanged. Anything else is rewritten: invalid characters
// become underscores, runs collapse, and a hash of the original input is
// appended so distinct inputs never share a token.
//
//	"alice"             -> "alice"
//	"alice@example.com" -> "alice_example_com_1f0c9a3e"
//	"a.b" and "a_b"     -> different tokens
func Token(s string) string {
	if s == "" {
		return DefaultToken
	}
	if len(s) <= MaxTokenLength && strings.IndexFunc(s, func(r rune) bool { return !validTokenRune(r) }) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if validTokenRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	base := b.String()
	for strings.Contains(base, "__") {
		base = strings.ReplaceAll(base, "__", "_")
	}
	base = strings.Trim(base, "_")

	if max := MaxTokenLength - HashSuffixLength; len(base) > max {
		base = strings.TrimRight(base[:max], "_")
	}
	if base == "" {
		base = DefaultToken
	}
	return base + hashSuffix(s)
}

func hashSuffix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "_" + hex.EncodeToString(sum[:])[:8]
}
