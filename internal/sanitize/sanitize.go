// Package sanitize confines tool paths to a working directory and turns
// arbitrary strings into safe message subject tokens.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxTokenLength is the maximum length of a subject token.
	MaxTokenLength = 64

	// HashSuffixLength is the length of the hash suffix added to truncated tokens.
	// Format: _<8-char-hash> = 9 characters total
	HashSuffixLength = 9

	// DefaultToken is used when sanitization produces an empty result.
	DefaultToken = "default"
)

// SubjectToken sanitizes a string for use as one token of a NATS subject.
//
// Rules applied:
//   - Keeps ASCII letters, digits, '-' and '_'
//   - Replaces everything else (including '.', '*', '>' and whitespace) with '_'
//   - Collapses multiple underscores and trims them from both ends
//   - Truncates to MaxTokenLength with a hash suffix if too long
//   - Returns DefaultToken if the result would be empty
//
// Examples:
//
//	"task.created"  -> "task_created"
//	"a > b"         -> "a_b"
//	"" or "..."     -> "default"
func SubjectToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := b.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return DefaultToken
	}
	if len(sanitized) > MaxTokenLength {
		sanitized = truncateWithHash(sanitized)
	}
	return sanitized
}

// SubjectPrefix sanitizes each dot-separated token of a subject prefix.
func SubjectPrefix(prefix string) string {
	parts := strings.Split(strings.Trim(prefix, "."), ".")
	for i, p := range parts {
		parts[i] = SubjectToken(p)
	}
	return strings.Join(parts, ".")
}

// truncateWithHash truncates a string to fit within MaxTokenLength,
// appending a hash suffix to preserve uniqueness.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	hashSuffix := "_" + hex.EncodeToString(hash[:])[:8]

	truncated := strings.TrimRight(s[:MaxTokenLength-HashSuffixLength], "_")
	return truncated + hashSuffix
}
