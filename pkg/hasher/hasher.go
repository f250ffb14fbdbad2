// Package hasher defines the stateful digest the engine uses for key
// identity and object checksums.
package hasher

import (
	"io"

	"github.com/cespare/xxhash/v2"
)

// Hasher accumulates bytes and reports a 64-bit digest. Sum64 must not
// reset the accumulated state. Every hash.Hash64 satisfies Hasher.
type Hasher interface {
	io.Writer
	Sum64() uint64
	Reset()
}

// New returns the default Hasher, xxhash64 with seed 0.
func New() Hasher {
	return xxhash.New()
}

// Pair carries the two fresh hashers Initialise needs: Verify checks an
// existing header region, Format hashes the super object of a new one.
type Pair struct {
	Verify Hasher
	Format Hasher
}

// NewPair returns a Pair of default hashers.
func NewPair() Pair {
	return Pair{Verify: New(), Format: New()}
}

// Sum feeds b to a fresh default hasher and returns the digest.
func Sum(b []byte) uint64 {
	return xxhash.Sum64(b)
}
