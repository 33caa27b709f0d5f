// Package sha256 provides content digests for page snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements scan.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short returns the first n hex characters of the digest, or the whole digest
// when n is out of range.
func (h *Hasher) Short(data []byte, n int) string {
	full, _ := h.Hash(data)
	if n <= 0 || n >= len(full) {
		return full
	}
	return full[:n]
}
