package pristine

import (
	"encoding/base32"
	"encoding/binary"
)

// NodeId is the process-stable 64-bit internal identifier allocated when an
// external hash is first observed. Id 0 is reserved as ROOT.
type NodeId uint64

// Root is the reserved NodeId 0.
const Root NodeId = 0

// IsRoot reports whether the id is the reserved root.
func (id NodeId) IsRoot() bool {
	return id == Root
}

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Base32 renders the id's little-endian bytes in the same alphabet used for
// hashes.
func (id NodeId) Base32() string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return idEncoding.EncodeToString(b[:])
}

// NodeIdFromBase32 parses the Base32 form of a NodeId.
func NodeIdFromBase32(s string) (NodeId, bool) {
	b, err := idEncoding.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0, false
	}
	return NodeId(binary.LittleEndian.Uint64(b)), true
}

// NodeType tags a registered node as a Change or a Tag. Exactly one byte per
// NodeId, immutable once set.
type NodeType byte

const (
	// NodeTypeChange marks the primary unit of history.
	NodeTypeChange NodeType = 0
	// NodeTypeTag marks a checkpoint node that collapses channel history.
	NodeTypeTag NodeType = 1
)

// NodeTypeFromU8 converts a stored byte back to a NodeType; invalid bytes
// yield false.
func NodeTypeFromU8(b byte) (NodeType, bool) {
	switch NodeType(b) {
	case NodeTypeChange, NodeTypeTag:
		return NodeType(b), true
	default:
		return 0, false
	}
}

// IsChange reports whether the type is Change.
func (t NodeType) IsChange() bool { return t == NodeTypeChange }

// IsTag reports whether the type is Tag.
func (t NodeType) IsTag() bool { return t == NodeTypeTag }

// Marker is the one-character wire marker: "C" for changes, "T" for tags.
func (t NodeType) Marker() string {
	if t == NodeTypeTag {
		return "T"
	}
	return "C"
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	switch t {
	case NodeTypeChange:
		return "Change"
	case NodeTypeTag:
		return "Tag"
	default:
		return "Invalid"
	}
}
