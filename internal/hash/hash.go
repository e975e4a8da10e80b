// Package hash implements the content identifier used throughout the engine:
// a 33-byte value combining an algorithm tag with a compressed Ed25519 curve
// point. Hashes double as Merkle states — folding node hashes with Next
// produces the state of a channel — so the two names refer to one type.
package hash

import (
	"bytes"
	"crypto/sha512"
	"encoding/base32"
	"fmt"

	"filippo.io/edwards25519"
)

// Size is the serialized length of a Hash: one algorithm byte followed by a
// 32-byte compressed Edwards point.
const Size = 33

// Base32Len is the length of the unpadded Base32 form of a full Hash.
const Base32Len = 53

// AlgorithmEd25519 is the only algorithm currently assigned. The first byte
// of every serialized hash carries this value.
const AlgorithmEd25519 byte = 1

// Hash is a content identifier: an Ed25519 group element tagged with its
// algorithm byte. The zero value of this type is NOT a valid hash; use Zero
// for the distinguished NONE value (the base point).
type Hash [Size]byte

// Merkle is a channel state. States and hashes are the same group and the
// same wire form, so Merkle is an alias of Hash.
type Merkle = Hash

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// basePoint is the compressed Ed25519 base point, used as the NONE / zero
// Merkle state.
var basePoint = [32]byte{
	0x58, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
	0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
	0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
	0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66,
}

// Zero returns the distinguished NONE hash: the Ed25519 base point. It is the
// starting state of the Next fold (an empty channel's state) and is reserved.
func Zero() Hash {
	var h Hash
	h[0] = AlgorithmEd25519
	copy(h[1:], basePoint[:])
	return h
}

// IsZero reports whether h is the NONE value.
func (h Hash) IsZero() bool {
	return h == Zero()
}

// Sum hashes a byte sequence to a curve point: SHA-512 over the input, the
// first 32 bytes of the digest reduced to a scalar mod l, then multiplied
// onto the base point. Deterministic by construction.
func Sum(data []byte) Hash {
	digest := sha512.Sum512(data)
	return pointFromScalarBytes(digest[:32])
}

// pointFromScalarBytes reduces 32 little-endian bytes mod l and returns
// base × scalar as a tagged hash.
func pointFromScalarBytes(b []byte) Hash {
	// SetUniformBytes performs a wide reduction mod l; padding the 32-byte
	// value with zeroes makes it equal to the narrow reduction.
	var wide [64]byte
	copy(wide[:32], b)
	s, err := new(edwards25519.Scalar).SetUniformBytes(wide[:])
	if err != nil {
		// Only reachable on a wrong input length.
		panic(fmt.Sprintf("hash: scalar reduction: %v", err))
	}
	p := new(edwards25519.Point).ScalarBaseMult(s)
	var h Hash
	h[0] = AlgorithmEd25519
	copy(h[1:], p.Bytes())
	return h
}

// Next folds a node hash into a Merkle state, yielding the successor state.
// The combinator is concatenation-like: it hashes the serialized state
// followed by the serialized node, so it is order-sensitive and has no
// algebraic shortcuts across reorderings.
func (h Hash) Next(node Hash) Hash {
	var buf [2 * Size]byte
	copy(buf[:Size], h[:])
	copy(buf[Size:], node[:])
	return Sum(buf[:])
}

// Bytes returns the 33-byte serialized form.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// FromBytes parses a serialized hash. It accepts the 33-byte tagged form and
// the raw 32-byte compressed point, and rejects anything whose point does not
// decompress.
func FromBytes(b []byte) (Hash, bool) {
	var point []byte
	switch {
	case len(b) >= Size && b[0] == AlgorithmEd25519:
		point = b[1:Size]
	case len(b) == Size-1:
		point = b
	default:
		return Hash{}, false
	}
	if _, err := new(edwards25519.Point).SetBytes(point); err != nil {
		return Hash{}, false
	}
	var h Hash
	h[0] = AlgorithmEd25519
	copy(h[1:], point)
	return h, true
}

// Base32 returns the fixed 53-character unpadded Base32 form.
func (h Hash) Base32() string {
	return encoding.EncodeToString(h[:])
}

// FromBase32 parses the fixed-length Base32 form. It returns false on any
// length or alphabet violation, on an unknown algorithm byte, and on a
// non-decompressable point.
func FromBase32(s string) (Hash, bool) {
	if len(s) != Base32Len {
		return Hash{}, false
	}
	b, err := encoding.DecodeString(s)
	if err != nil || len(b) != Size {
		return Hash{}, false
	}
	return FromBytes(b)
}

// String implements fmt.Stringer with the Base32 form.
func (h Hash) String() string {
	return h.Base32()
}

// MarshalText encodes the hash as Base32 for JSON and text codecs.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Base32()), nil
}

// UnmarshalText decodes the fixed-length Base32 form.
func (h *Hash) UnmarshalText(text []byte) error {
	got, ok := FromBase32(string(text))
	if !ok {
		return fmt.Errorf("hash: invalid base32 hash %q", text)
	}
	*h = got
	return nil
}

// Compare orders hashes by their serialized bytes.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Hasher accumulates bytes and produces a Hash, for callers that serialize
// incrementally. The zero value is ready to use.
type Hasher struct {
	buf []byte
}

// Write appends bytes to the accumulated input. It never fails.
func (hs *Hasher) Write(p []byte) (int, error) {
	hs.buf = append(hs.buf, p...)
	return len(p), nil
}

// Finish hashes the accumulated input.
func (hs *Hasher) Finish() Hash {
	return Sum(hs.buf)
}

// Reset discards the accumulated input.
func (hs *Hasher) Reset() {
	hs.buf = hs.buf[:0]
}
