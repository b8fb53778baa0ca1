// Package sha256 fingerprints artifact bytes with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct{}

var _ harvest.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// NewDigest starts a streaming digest.
func (h *Hasher) NewDigest() harvest.Digest {
	return &digest{h: sha256.New()}
}

// Sum hashes data in one call and returns the hex digest.
func (h *Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type digest struct {
	h hash.Hash
}

func (d *digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *digest) HexSum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
