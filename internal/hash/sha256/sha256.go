// Package sha256 content-addresses screenshot evidence.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hasher implements botnet.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. Empty input is rejected so
// that a failed capture never maps to the well-known empty digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("hash: empty content")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
