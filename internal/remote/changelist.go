package remote

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/castingclouds/atomic/internal/hash"
)

// The changelist is a line-oriented UTF-8 stream of a channel's log:
//
//	<n>.<hash>.<merkle>      change at position n
//	<n>.<hash>.<merkle>.T    tag at position n
//	!<hash>.<pos>            position reference
//	error: <text>            advisory, forwarded to stderr
//	(empty line)             end of stream
//
// Hashes and merkles are the fixed 53-character Base32 form.

// LineKind discriminates parsed changelist lines.
type LineKind int

const (
	// LineChange is a node entry.
	LineChange LineKind = iota
	// LinePosition is a positional reference.
	LinePosition
	// LineError is a recoverable server advisory.
	LineError
)

// Line is one parsed changelist line.
type Line struct {
	Kind LineKind

	// LineChange fields.
	N      uint64
	Hash   hash.Hash
	Merkle hash.Merkle
	IsTag  bool

	// LinePosition fields (Hash is shared).
	Pos uint64

	// LineError field.
	Message string
}

// Position is a positional reference collected while reading a changelist.
type Position struct {
	Hash hash.Hash
	Pos  uint64
}

// FormatLine renders a node entry.
func FormatLine(n uint64, h hash.Hash, m hash.Merkle, isTag bool) string {
	if isTag {
		return fmt.Sprintf("%d.%s.%s.T", n, h.Base32(), m.Base32())
	}
	return fmt.Sprintf("%d.%s.%s", n, h.Base32(), m.Base32())
}

// FormatPositionLine renders a positional reference.
func FormatPositionLine(h hash.Hash, pos uint64) string {
	return fmt.Sprintf("!%s.%d", h.Base32(), pos)
}

// ParseLine parses one non-empty changelist line.
func ParseLine(l string) (Line, error) {
	if msg, ok := strings.CutPrefix(l, "error: "); ok {
		return Line{Kind: LineError, Message: msg}, nil
	}
	if rest, ok := strings.CutPrefix(l, "!"); ok {
		hb32, posStr, found := strings.Cut(rest, ".")
		if !found {
			return Line{}, fmt.Errorf("%w: malformed position line %q", ErrProtocol, l)
		}
		h, okHash := hash.FromBase32(hb32)
		pos, err := strconv.ParseUint(posStr, 10, 64)
		if !okHash || err != nil {
			return Line{}, fmt.Errorf("%w: malformed position line %q", ErrProtocol, l)
		}
		return Line{Kind: LinePosition, Hash: h, Pos: pos}, nil
	}

	fields := strings.Split(l, ".")
	isTag := false
	if len(fields) == 4 && fields[3] == "T" {
		isTag = true
		fields = fields[:3]
	}
	if len(fields) != 3 {
		return Line{}, fmt.Errorf("%w: malformed changelist line %q", ErrProtocol, l)
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("%w: malformed position in %q", ErrProtocol, l)
	}
	h, ok := hash.FromBase32(fields[1])
	if !ok {
		return Line{}, fmt.Errorf("%w: malformed hash in %q", ErrProtocol, l)
	}
	m, ok := hash.FromBase32(fields[2])
	if !ok {
		return Line{}, fmt.Errorf("%w: malformed merkle in %q", ErrProtocol, l)
	}
	return Line{Kind: LineChange, N: n, Hash: h, Merkle: m, IsTag: isTag}, nil
}
