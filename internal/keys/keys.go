package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Alphabet is the URL-safe character set license keys are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// DefaultLength is the key length used when no override is configured.
const DefaultLength = 32

// Generate produces a random license key of the given length from the
// URL-safe alphabet, using a cryptographically secure source. A length
// of zero or less falls back to DefaultLength.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	key := make([]byte, length)
	for i, b := range buf {
		key[i] = Alphabet[int(b)%len(Alphabet)]
	}

	return string(key), nil
}

// Hash returns the hex-encoded SHA-256 digest of a key. All storage
// lookups go through this digest; plaintext keys are never searched on.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsFormatValid checks exact length and alphabet membership. It is a
// cheap pre-filter before any storage lookup, not a security check.
func IsFormatValid(candidate string, length int) bool {
	if length <= 0 {
		length = DefaultLength
	}
	if len(candidate) != length {
		return false
	}
	for _, c := range candidate {
		if !strings.ContainsRune(Alphabet, c) {
			return false
		}
	}
	return true
}

// Mask hides the middle of a key for display, keeping the first and
// last four characters. Short keys are returned unchanged.
func Mask(key string) string {
	const show = 4
	if len(key) <= show*2 {
		return key
	}
	return key[:show] + strings.Repeat("*", len(key)-show*2) + key[len(key)-show:]
}
