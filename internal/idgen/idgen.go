// Package idgen generates the oracle's opaque random identifiers: request
// IDs for log correlation and one-time nonces for payment challenges.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns a 128-bit random ID in the dashed UUID layout. Used as the
// request ID when a caller does not supply one.
func New() string {
	b := mustRandom(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// Hex returns numBytes of randomness as a hex string. Payment nonces use
// Hex(16).
func Hex(numBytes int) string {
	return hex.EncodeToString(mustRandom(numBytes))
}

// mustRandom panics when the system entropy source fails; there is no safe
// way to hand out predictable nonces.
func mustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return b
}
