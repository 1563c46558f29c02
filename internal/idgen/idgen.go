// Package idgen provides cryptographically random identifier generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Event generates an event id ("evt_" + 24 hex chars). Generated once
// at capture time and reused across every retry of the same envelope.
func Event() string {
	return WithPrefix("evt_")
}

// WithPrefix generates prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
