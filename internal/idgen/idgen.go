// Package idgen generates cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns a dashed 32-hex-char random ID in UUID layout.
func New() string {
	b := read(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix + 24 hex chars. Prefixes identify the record
// kind at a glance ("tx_", "esc_", "dsp_", "evt_").
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(read(12))
}

// Hex returns a hex string of numBytes random bytes.
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
