// Package sha256 computes content hashes for deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes content with SHA-256.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher { return Hasher{} }

// Hash returns the lowercase hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
