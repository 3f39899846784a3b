package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns 128 bits of randomness as 32 lowercase hex characters.
// Artifact names are built from these stems, so a failed read is an error
// rather than a weaker fallback: names must stay collision-resistant.
func New() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
