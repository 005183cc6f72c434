// Package sha256 provides the content-addressed digest used for ledger keys
// and archive object names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements codesearch.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. It never fails; the error
// return satisfies codesearch.Hasher.
func (h *Hasher) Hash(data []byte) (string, error) {
	return HexDigest(data), nil
}

// HexDigest returns the lowercase hex SHA-256 of data.
func HexDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
