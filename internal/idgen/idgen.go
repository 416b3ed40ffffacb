// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New generates a UUID-like random ID (32 hex chars with dashes).
func New() string {
	b := read(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates prefix + 24 hex chars (12 random bytes).
// Used for entity ids: "eft_", "lot_", "tx_", "led_".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(read(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(read(numBytes))
}

func read(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
