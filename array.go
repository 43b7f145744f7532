package cardinality

import "sort"

// Sorted payload slice primitives backing the Array representation.  The
// slice is strictly increasing, which gives uniqueness for free and lets
// lookups binary-search and merges run as a single linear pass.

// arraySearch locates h in the sorted slice.  It returns the insertion
// position and whether h is already present.
func arraySearch(xs []uint32, h uint32) (int, bool) {
	pos := sort.Search(len(xs), func(i int) bool { return xs[i] >= h })
	return pos, pos < len(xs) && xs[pos] == h
}

// arrayInsert places h at pos, shifting the tail right.  The caller has
// already established that h is absent and pos is its sorted position.
func arrayInsert(xs []uint32, pos int, h uint32) []uint32 {
	xs = append(xs, 0)
	copy(xs[pos+1:], xs[pos:])
	xs[pos] = h
	return xs
}

// arrayUnion set-unions two strictly increasing slices into a fresh strictly
// increasing slice.
func arrayUnion(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)

	return out
}
