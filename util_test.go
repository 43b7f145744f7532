package cardinality

import "testing"

// mustNew builds a sketch or fails the test.
func mustNew(t *testing.T, p, w int) *Sketch {
	t.Helper()
	s, err := New(p, w)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", p, w, err)
	}
	return s
}

// hashFor constructs a digest that encodes to register idx with the exact
// rho (one plus the post-index leading-zero count).  The register index sits
// in the top p bits; a
// single bit placed below it forces the post-index leading-zero count.
func hashFor(p, idx, rho int) uint64 {
	h := uint64(idx) << (64 - uint(p))
	if rho < 64-p+1 {
		h |= 1 << (64 - uint(rho) - uint(p))
	}
	return h
}

// payloadFor is the register payload hashFor's digest encodes to.
func payloadFor(p, idx, rho int) uint32 {
	return uint32(rho)<<uint(p) | uint32(idx)
}

// sketchWithPayloads builds a sketch by replaying digests that decode to the
// given (idx, rho) pairs, one distinct register payload per pair.
func sketchWithPayloads(t *testing.T, p, w int, pairs [][2]int) *Sketch {
	t.Helper()
	s := mustNew(t, p, w)
	for _, pair := range pairs {
		s.InsertHash(hashFor(p, pair[0], pair[1]))
	}
	return s
}

// distinctPayloadPairs generates n (idx, rho) pairs that all produce
// distinct payloads: register indexes cycle while rho steps up every lap.
func distinctPayloadPairs(p, w, n int) [][2]int {
	m := 1 << uint(p)
	pairs := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, [2]int{i % m, 1 + i/m})
	}
	return pairs
}
