// Package sha1 provides the ledger key digest. Rows already written to the
// notified-accounts table are keyed by lowercase-hex SHA-1, so new rows must
// use the same digest to be found.
package sha1

import (
	"crypto/sha1" //nolint:gosec // key compatibility, not a security boundary
	"encoding/hex"
)

// Hasher implements codesearch.Hasher using SHA-1.
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return HexDigest(data), nil
}

// HexDigest returns the lowercase hex SHA-1 of data.
func HexDigest(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
