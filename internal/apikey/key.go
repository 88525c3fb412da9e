// Package apikey mints and resolves opaque API keys. The secret is a
// prefixed high-entropy random string shown once at creation; only its
// SHA-256 digest is ever persisted or compared.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix marks mailgate key material so leaked secrets are identifiable
// by scanners.
const Prefix = "mgk_"

const secretBytes = 32

// Mint generates a fresh secret. Returns the plaintext (shown once), its
// digest (persisted) and the display prefix.
func Mint() (plaintext, digest, displayPrefix string) {
	buf := make([]byte, secretBytes)
	rand.Read(buf)
	plaintext = Prefix + hex.EncodeToString(buf)
	return plaintext, HashSecret(plaintext), plaintext[:len(Prefix)+6]
}

// HashSecret computes the deterministic digest stored for a secret. Keys
// are high-entropy random values, so an unsalted digest is sufficient and
// keeps verification a single indexed lookup.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether raw even looks like mailgate key material.
func WellFormed(raw string) bool {
	return strings.HasPrefix(raw, Prefix) && len(raw) == len(Prefix)+secretBytes*2
}
