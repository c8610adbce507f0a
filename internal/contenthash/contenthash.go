// Package contenthash computes the content fingerprints used as cache keys
// and audit correlation tokens.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Prefix is carried by every content hash.
const Prefix = "sha256:"

var hashPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// Bytes returns "sha256:" followed by the lowercase hex SHA-256 of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// String hashes the UTF-8 bytes of s.
func String(s string) string {
	return Bytes([]byte(s))
}

// Valid reports whether h is a well-formed content hash.
func Valid(h string) bool {
	return hashPattern.MatchString(h)
}
