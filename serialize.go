package cardinality

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrInvalidSerialization is returned when deserialization encounters any
// schema violation: parameters out of range, an unknown variant tag,
// truncated or oversized payloads, unsorted or undecodable register
// payloads, or nonzero padding bits.  No partial sketch is ever returned.
var ErrInvalidSerialization = errors.New("invalid sketch serialization")

// snapshot is the self-describing record every codec walks.  The binary
// codec packs it into bytes; the JSON codec renders it as an object.
// Exactly one of the payload fields is populated, selected by variant.
type snapshot struct {
	p       uint8
	w       uint8
	variant variant
	small   [2]uint32
	array   []uint32
	dense   []byte
}

func (s *Sketch) snapshot() snapshot {
	snap := snapshot{p: s.p, w: s.w, variant: s.variant}
	switch s.variant {
	case variantSmall:
		snap.small = s.small
	case variantArray:
		snap.array = s.array
	case variantDense:
		snap.dense = s.dense.bytes()
	}
	return snap
}

// fromSnapshot validates a decoded record and builds the sketch.  All
// semantic validation lives here so the binary and textual codecs only have
// to parse their own framing.
func fromSnapshot(snap snapshot) (*Sketch, error) {
	s, err := New(int(snap.p), int(snap.w))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSerialization, "%s", err)
	}

	switch snap.variant {
	case variantSmall:
		for _, h := range snap.small {
			if h != 0 && !s.validPayload(h) {
				return nil, errors.Wrapf(ErrInvalidSerialization, "small slot payload %#x does not decode for (p=%d, w=%d)", h, snap.p, snap.w)
			}
		}
		if snap.small[0] != 0 && snap.small[0] == snap.small[1] {
			return nil, errors.Wrap(ErrInvalidSerialization, "small slots hold duplicate payloads")
		}
		s.small = snap.small

	case variantArray:
		if len(snap.array) < 3 || len(snap.array) > s.arrayMax {
			return nil, errors.Wrapf(ErrInvalidSerialization, "array length %d outside [3, %d]", len(snap.array), s.arrayMax)
		}
		for i, h := range snap.array {
			if !s.validPayload(h) {
				return nil, errors.Wrapf(ErrInvalidSerialization, "array payload %#x does not decode for (p=%d, w=%d)", h, snap.p, snap.w)
			}
			if i > 0 && snap.array[i-1] >= h {
				return nil, errors.Wrapf(ErrInvalidSerialization, "array payloads not strictly increasing at index %d", i)
			}
		}
		s.variant = variantArray
		s.array = append([]uint32(nil), snap.array...)

	case variantDense:
		bank := newRegisterBank(s.m, s.w)
		if len(snap.dense) != bank.byteLen() {
			return nil, errors.Wrapf(ErrInvalidSerialization, "dense payload is %d bytes, want %d", len(snap.dense), bank.byteLen())
		}
		if pad := uint(bank.byteLen()*8 - s.m*int(s.w)); pad > 0 {
			if snap.dense[len(snap.dense)-1]>>(8-pad) != 0 {
				return nil, errors.Wrap(ErrInvalidSerialization, "dense payload has nonzero padding bits")
			}
		}
		bank.loadBytes(snap.dense)
		invalid := -1
		bank.forEach(func(i int, v uint8) {
			if v > s.maxRho() && invalid < 0 {
				invalid = i
			}
		})
		if invalid >= 0 {
			return nil, errors.Wrapf(ErrInvalidSerialization, "register %d holds %d, beyond the maximum rank %d for precision %d", invalid, bank.get(invalid), s.maxRho(), snap.p)
		}
		bank.recompute()
		s.variant = variantDense
		s.dense = bank

	default:
		return nil, errors.Wrapf(ErrInvalidSerialization, "unknown variant tag %d", snap.variant)
	}

	return s, nil
}

// validPayload reports whether h decodes to a register index and rho this
// parameterization can produce.
func (s *Sketch) validPayload(h uint32) bool {
	rho := h >> s.p
	return rho >= 1 && rho <= uint32(s.maxRho())
}

const headerLen = 3 // p, w, variant

// ToBytes serializes the sketch into its compact binary form: a three byte
// header (p, w, variant tag) followed by the variant payload.  Small packs
// its two slots as big-endian uint32s; Array packs a big-endian uint16
// length then the payloads in sorted order; Dense packs a big-endian uint32
// byte count then the packed register bitfield, little-endian bit order
// within each byte.
func (s *Sketch) ToBytes() []byte {
	snap := s.snapshot()

	var out []byte
	switch snap.variant {
	case variantSmall:
		out = make([]byte, headerLen+8)
		binary.BigEndian.PutUint32(out[headerLen:], snap.small[0])
		binary.BigEndian.PutUint32(out[headerLen+4:], snap.small[1])
	case variantArray:
		out = make([]byte, headerLen+2+4*len(snap.array))
		binary.BigEndian.PutUint16(out[headerLen:], uint16(len(snap.array)))
		for i, h := range snap.array {
			binary.BigEndian.PutUint32(out[headerLen+2+4*i:], h)
		}
	case variantDense:
		out = make([]byte, headerLen+4+len(snap.dense))
		binary.BigEndian.PutUint32(out[headerLen:], uint32(len(snap.dense)))
		copy(out[headerLen+4:], snap.dense)
	}

	out[0] = snap.p
	out[1] = snap.w
	out[2] = byte(snap.variant)
	return out
}

// FromBytes deserializes a sketch previously produced by ToBytes.  Any
// schema violation yields ErrInvalidSerialization.
func FromBytes(data []byte) (*Sketch, error) {
	if len(data) < headerLen {
		return nil, errors.Wrapf(ErrInvalidSerialization, "%d bytes is too short for the header", len(data))
	}

	snap := snapshot{p: data[0], w: data[1], variant: variant(data[2])}
	body := data[headerLen:]

	switch snap.variant {
	case variantSmall:
		if len(body) != 8 {
			return nil, errors.Wrapf(ErrInvalidSerialization, "small payload is %d bytes, want 8", len(body))
		}
		snap.small[0] = binary.BigEndian.Uint32(body)
		snap.small[1] = binary.BigEndian.Uint32(body[4:])

	case variantArray:
		if len(body) < 2 {
			return nil, errors.Wrap(ErrInvalidSerialization, "array payload is missing its length prefix")
		}
		n := int(binary.BigEndian.Uint16(body))
		if len(body) != 2+4*n {
			return nil, errors.Wrapf(ErrInvalidSerialization, "array payload is %d bytes, want %d for %d entries", len(body), 2+4*n, n)
		}
		snap.array = make([]uint32, n)
		for i := range snap.array {
			snap.array[i] = binary.BigEndian.Uint32(body[2+4*i:])
		}

	case variantDense:
		if len(body) < 4 {
			return nil, errors.Wrap(ErrInvalidSerialization, "dense payload is missing its length prefix")
		}
		n := int(binary.BigEndian.Uint32(body))
		if len(body) != 4+n {
			return nil, errors.Wrapf(ErrInvalidSerialization, "dense payload is %d bytes, want %d", len(body)-4, n)
		}
		snap.dense = body[4:]

	default:
		return nil, errors.Wrapf(ErrInvalidSerialization, "unknown variant tag %d", snap.variant)
	}

	return fromSnapshot(snap)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	return s.ToBytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	decoded, err := FromBytes(data)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

// sketchJSON is the textual rendering of the snapshot record.  Exactly one
// of the payload fields appears, matching the variant tag; dense bytes are
// base64 per encoding/json convention.
type sketchJSON struct {
	P       uint8      `json:"p"`
	W       uint8      `json:"w"`
	Variant uint8      `json:"variant"`
	Small   *[2]uint32 `json:"small,omitempty"`
	Array   []uint32   `json:"array,omitempty"`
	Dense   []byte     `json:"dense,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *Sketch) MarshalJSON() ([]byte, error) {
	snap := s.snapshot()
	out := sketchJSON{P: snap.p, W: snap.w, Variant: uint8(snap.variant)}

	switch snap.variant {
	case variantSmall:
		small := snap.small
		out.Small = &small
	case variantArray:
		out.Array = snap.array
	case variantDense:
		out.Dense = snap.dense
	}

	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.  The object must carry exactly
// the payload field its variant tag calls for; anything else is an
// ErrInvalidSerialization.
func (s *Sketch) UnmarshalJSON(data []byte) error {
	var raw sketchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(ErrInvalidSerialization, "%s", err)
	}

	snap := snapshot{p: raw.P, w: raw.W, variant: variant(raw.Variant)}

	switch snap.variant {
	case variantSmall:
		if raw.Small == nil || raw.Array != nil || raw.Dense != nil {
			return errors.Wrap(ErrInvalidSerialization, "small variant requires the small field and no other payload")
		}
		snap.small = *raw.Small
	case variantArray:
		if raw.Array == nil || raw.Small != nil || raw.Dense != nil {
			return errors.Wrap(ErrInvalidSerialization, "array variant requires the array field and no other payload")
		}
		snap.array = raw.Array
	case variantDense:
		if raw.Dense == nil || raw.Small != nil || raw.Array != nil {
			return errors.Wrap(ErrInvalidSerialization, "dense variant requires the dense field and no other payload")
		}
		snap.dense = raw.Dense
	default:
		return errors.Wrapf(ErrInvalidSerialization, "unknown variant tag %d", raw.Variant)
	}

	decoded, err := fromSnapshot(snap)
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}
