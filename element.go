package cardinality

import (
	"github.com/cespare/xxhash/v2"
	metro "github.com/dgryski/go-metro"
)

// Element is a single value prepared for insertion into a Sketch.  It carries
// the 64-bit digest of the value; the sketch itself never hashes anything.
//
// All elements inserted into one sketch (or into sketches that will later be
// merged) must be produced with the same hash configuration.  The sketch
// cannot detect a mix of hashers -- doing so silently corrupts estimates.
type Element struct {
	hash uint64
}

// NewElement wraps an already-hashed value.  Use this when the input has been
// hashed externally with a well-distributed 64-bit hash function.  Note that
// hashing can almost never be skipped: the estimator relies on a random-like
// distribution of bits in the digest.
func NewElement(hash uint64) Element {
	return Element{hash: hash}
}

// NewElementBytes hashes the provided bytes with xxHash.
func NewElementBytes(data []byte) Element {
	return Element{hash: xxhash.Sum64(data)}
}

// NewElementString hashes the provided string with xxHash without copying it.
func NewElementString(s string) Element {
	return Element{hash: xxhash.Sum64String(s)}
}

// NewElementSeeded hashes the provided bytes with metrohash using the given
// seed.  The seed must be fixed for the lifetime of one logical dataset; if it
// changes, future estimates are invalidated by any inserts or merges.
func NewElementSeeded(data []byte, seed uint64) Element {
	return Element{hash: metro.Hash64(data, seed)}
}

// Hash returns the raw 64-bit digest.
func (e Element) Hash() uint64 {
	return e.hash
}
