// Package cardinality implements a probabilistic distinct-count sketch: a
// HyperLogLog++ variant with LogLog-Beta bias correction, augmented with two
// exact representations for small cardinalities.
//
// A Sketch moves through three representations as elements arrive.  Up to two
// distinct elements are held inline (Small), up to an array threshold they
// are held as a sorted list of register payloads (Array) with exact counting,
// and beyond that the sketch becomes a bank of 2^p HyperLogLog registers
// (Dense).  Promotion is monotone: a sketch never returns to a smaller
// representation, even if a merge would permit it.
//
// The sketch consumes opaque 64-bit digests; see Element for the hashing
// helpers.  A single Sketch is not safe for concurrent mutation.
package cardinality

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// minPrecision and maxPrecision bound the p parameter.  p high bits of
	// each digest select one of 2^p registers.
	minPrecision = 4
	maxPrecision = 18

	// minRegisterWidth and maxRegisterWidth bound the w parameter.  A
	// register value always fits in a byte.
	minRegisterWidth = 4
	maxRegisterWidth = 8

	// arrayMaxDefault caps the Array representation at 512 bytes of
	// payloads.  For parameterizations whose dense bank is smaller than
	// that, the cap shrinks so that Array never outgrows Dense.
	arrayMaxDefault = 128
)

// ErrIncompatibleParameters is returned by Merge when the two sketches were
// constructed with different precision or register width.  The receiver is
// left unchanged.
var ErrIncompatibleParameters = errors.New("cannot merge sketches with different precision or register width")

// variant tags the active representation.  The values double as the wire
// tags in the serialized form.
type variant uint8

const (
	variantSmall variant = iota
	variantArray
	variantDense
)

func (v variant) String() string {
	switch v {
	case variantSmall:
		return "Small"
	case variantArray:
		return "Array"
	case variantDense:
		return "Dense"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// Sketch estimates the number of distinct elements inserted into it.  It
// supports insert, merge, and estimate operations plus a compact
// self-describing serialization.  Create one with New; the zero value is not
// usable.
//
// Exactly one representation is active at a time, selected by variant:
// the two small slots, the sorted payload array, or the dense register bank.
type Sketch struct {
	p uint8 // precision: number of digest bits selecting a register
	w uint8 // register width in bits

	// derived from (p, w) at construction
	m        int // number of registers, 1 << p
	arrayMax int // maximum Array length before promotion to Dense

	variant variant
	small   [2]uint32
	array   []uint32
	dense   *registerBank
}

// New returns an empty sketch with the given precision and register width.
// p selects the number of registers (2^p) and the baseline relative error of
// the dense estimator (~1.04/sqrt(2^p)); w is the storage width of each
// register.  w must be large enough that every possible leading-zero count
// fits, i.e. 2^w - 1 >= 64 - p.
func New(p, w int) (*Sketch, error) {
	if err := validateParams(p, w); err != nil {
		return nil, err
	}

	return &Sketch{
		p:        uint8(p),
		w:        uint8(w),
		m:        1 << uint(p),
		arrayMax: arrayMaxFor(p, w),
	}, nil
}

func validateParams(p, w int) error {
	if p < minPrecision || p > maxPrecision {
		return errors.Errorf("precision must be in [%d, %d], got %d", minPrecision, maxPrecision, p)
	}
	if w < minRegisterWidth || w > maxRegisterWidth {
		return errors.Errorf("register width must be in [%d, %d], got %d", minRegisterWidth, maxRegisterWidth, w)
	}
	if (1<<uint(w))-1 < 64-p {
		return errors.Errorf("register width %d cannot hold the maximum leading-zero count for precision %d", w, p)
	}
	return nil
}

// arrayMaxFor returns the Array length cap for (p, w): 128 payloads unless
// the dense bank for that parameterization is smaller than 512 bytes, in
// which case the cap shrinks so the Array footprint stays at or below the
// dense footprint.  Never below 3, the minimum Array population.
func arrayMaxFor(p, w int) int {
	denseBytes := ((1<<uint(p))*w + 7) / 8
	max := denseBytes / 4
	if max > arrayMaxDefault {
		max = arrayMaxDefault
	}
	if max < 3 {
		max = 3
	}
	return max
}

// Precision returns the p parameter the sketch was constructed with.
func (s *Sketch) Precision() int {
	return int(s.p)
}

// RegisterWidth returns the w parameter the sketch was constructed with.
func (s *Sketch) RegisterWidth() int {
	return int(s.w)
}

// Insert ingests one element.
func (s *Sketch) Insert(e Element) {
	s.InsertHash(e.Hash())
}

// InsertHash ingests a raw 64-bit digest.  Equal inputs must hash to equal
// digests for the lifetime of one logical dataset.
func (s *Sketch) InsertHash(hash uint64) {
	s.insertPayload(s.encodeHash(hash))
}

// encodeHash converts a digest into a register payload: the low p bits hold
// the register index taken from the digest's high bits, the bits above hold
// rho, one plus the leading-zero count of the post-index bits.  OR-ing in a
// bit below the index bits bounds rho at 64-p+1, so rho always fits the
// register width and a real payload is never zero.
func (s *Sketch) encodeHash(hash uint64) uint32 {
	idx := uint32(hash >> (64 - s.p))
	remainder := hash<<s.p | 1<<(s.p-1)
	rho := uint32(bits.LeadingZeros64(remainder)) + 1
	return rho<<s.p | idx
}

// decodePayload splits a payload back into register index and rho.
func (s *Sketch) decodePayload(payload uint32) (idx int, rho uint8) {
	return int(payload & (1<<s.p - 1)), uint8(payload >> s.p)
}

// maxRho is the largest value encodeHash can produce for this precision.
func (s *Sketch) maxRho() uint8 {
	return uint8(64 - int(s.p) + 1)
}

// insertPayload routes a payload into the active representation, promoting
// as needed.  Promotion is monotone; no operation ever demotes.
func (s *Sketch) insertPayload(h uint32) {
	switch s.variant {
	case variantSmall:
		if h == s.small[0] || h == s.small[1] {
			return
		}
		if s.small[0] == 0 {
			s.small[0] = h
			return
		}
		if s.small[1] == 0 {
			s.small[1] = h
			return
		}
		s.promoteToArray(h)

	case variantArray:
		if pos, found := arraySearch(s.array, h); !found {
			if len(s.array) < s.arrayMax {
				s.array = arrayInsert(s.array, pos, h)
			} else {
				s.promoteToDense(h)
			}
		}

	case variantDense:
		idx, rho := s.decodePayload(h)
		s.dense.setMax(idx, rho)
	}
}

// promoteToArray converts a full Small representation into an Array holding
// the two slot payloads plus the incoming one, sorted.
func (s *Sketch) promoteToArray(h uint32) {
	arr := make([]uint32, 0, 4)
	for _, x := range []uint32{s.small[0], s.small[1], h} {
		pos, _ := arraySearch(arr, x)
		arr = arrayInsert(arr, pos, x)
	}

	s.variant = variantArray
	s.array = arr
	s.small = [2]uint32{}
}

// promoteToDense allocates the register bank, replays every Array payload
// into it, applies the incoming payload, and discards the array.
func (s *Sketch) promoteToDense(h uint32) {
	bank := newRegisterBank(s.m, s.w)
	for _, x := range s.array {
		idx, rho := s.decodePayload(x)
		bank.setMax(idx, rho)
	}
	idx, rho := s.decodePayload(h)
	bank.setMax(idx, rho)

	s.variant = variantDense
	s.dense = bank
	s.array = nil
}

// adoptDense replaces the current Small or Array representation with a copy
// of the provided bank and replays the current payloads into it.
func (s *Sketch) adoptDense(bank *registerBank) {
	adopted := bank.clone()

	replay := func(h uint32) {
		idx, rho := s.decodePayload(h)
		adopted.setMax(idx, rho)
	}

	switch s.variant {
	case variantSmall:
		for _, h := range s.small {
			if h != 0 {
				replay(h)
			}
		}
	case variantArray:
		for _, h := range s.array {
			replay(h)
		}
	}

	s.variant = variantDense
	s.dense = adopted
	s.small = [2]uint32{}
	s.array = nil
}

// Estimate returns the current distinct-count estimate.  Small and Array
// report the exact count; Dense applies the LogLog-Beta corrected
// HyperLogLog estimator.
func (s *Sketch) Estimate() uint64 {
	switch s.variant {
	case variantSmall:
		n := uint64(0)
		for _, h := range s.small {
			if h != 0 {
				n++
			}
		}
		return n
	case variantArray:
		return uint64(len(s.array))
	default:
		return estimateBank(s.p, s.dense)
	}
}

// Merge combines other into the receiver.  The operation is a set union
// over the payloads either sketch has observed; it is commutative and
// associative up to the internal representation state.  other is never
// modified.  Sketches with different (p, w) cannot be merged and leave the
// receiver unchanged.
func (s *Sketch) Merge(other *Sketch) error {
	if s.p != other.p || s.w != other.w {
		return errors.Wrapf(ErrIncompatibleParameters,
			"merge (p=%d, w=%d) with (p=%d, w=%d)", s.p, s.w, other.p, other.w)
	}

	switch other.variant {
	case variantSmall:
		for _, h := range other.small {
			if h != 0 {
				s.insertPayload(h)
			}
		}

	case variantArray:
		if s.variant == variantArray {
			s.mergeArray(other.array)
		} else {
			for _, h := range other.array {
				s.insertPayload(h)
			}
		}

	case variantDense:
		if s.variant == variantDense {
			s.dense.merge(other.dense)
		} else {
			s.adoptDense(other.dense)
		}
	}

	return nil
}

// mergeArray set-unions another sorted payload slice into the Array
// representation with a linear merge, promoting to Dense when the union
// exceeds the array threshold.
func (s *Sketch) mergeArray(other []uint32) {
	union := arrayUnion(s.array, other)

	if len(union) <= s.arrayMax {
		s.array = union
		return
	}

	bank := newRegisterBank(s.m, s.w)
	for _, h := range union {
		idx, rho := s.decodePayload(h)
		bank.setMax(idx, rho)
	}

	s.variant = variantDense
	s.dense = bank
	s.array = nil
}

// Clone returns a deep copy of the sketch.
func (s *Sketch) Clone() *Sketch {
	out := *s
	if s.array != nil {
		out.array = make([]uint32, len(s.array))
		copy(out.array, s.array)
	}
	if s.dense != nil {
		out.dense = s.dense.clone()
	}
	return &out
}

// Equal reports whether two sketches hold the same parameters,
// representation, and contents.  Small slot order is ignored.
func (s *Sketch) Equal(other *Sketch) bool {
	if s.p != other.p || s.w != other.w || s.variant != other.variant {
		return false
	}

	switch s.variant {
	case variantSmall:
		a, b := s.small, other.small
		return a == b || (a[0] == b[1] && a[1] == b[0])
	case variantArray:
		if len(s.array) != len(other.array) {
			return false
		}
		for i, h := range s.array {
			if other.array[i] != h {
				return false
			}
		}
		return true
	default:
		for i, word := range s.dense.words {
			if other.dense.words[i] != word {
				return false
			}
		}
		return true
	}
}

// SizeOf returns the approximate in-memory footprint of the sketch in bytes,
// including heap allocations held by the active representation.
func (s *Sketch) SizeOf() int {
	const header = 64 // Sketch struct itself
	switch s.variant {
	case variantArray:
		return header + cap(s.array)*4
	case variantDense:
		return header + 48 + len(s.dense.words)*8
	default:
		return header
	}
}

// String renders the representation name and current estimate.
func (s *Sketch) String() string {
	return fmt.Sprintf("%s(estimate: %d)", s.variant, s.Estimate())
}
