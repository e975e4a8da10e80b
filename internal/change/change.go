// Package change defines the unit of history — a patch with a header,
// dependencies, and content effects — along with the checkpoint metadata that
// turns a change into a consolidating tag, and the on-disk codecs for both
// file kinds.
package change

import (
	"time"

	"github.com/castingclouds/atomic/internal/hash"
)

// CurrentVersion is the change-file format version written by this engine.
const CurrentVersion uint8 = 6

// Author is a free-form set of identity attributes ("name", "email", "key").
type Author map[string]string

// Header carries the human-facing description of a change or tag.
type Header struct {
	Message     string    `json:"message"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Authors     []Author  `json:"authors,omitempty"`
}

// TagMetadata marks a change as a consolidating tag and records what the tag
// absorbed. A Change with a non-nil TagMetadata is a Tag node; its hash
// identifies both the change-like envelope and the tag.
type TagMetadata struct {
	Channel                 string      `json:"channel"`
	ConsolidatedChangeCount uint64      `json:"consolidated_change_count"`
	DependencyCountBefore   uint64      `json:"dependency_count_before"`
	ConsolidatedChanges     []hash.Hash `json:"consolidated_changes,omitempty"`
	PreviousConsolidation   *hash.Hash  `json:"previous_consolidation,omitempty"`
	ConsolidatesSince       *hash.Hash  `json:"consolidates_since,omitempty"`
	Version                 *string     `json:"version,omitempty"`
}

// Change is the hashed content of a change file. Hunks are opaque to the core
// engine; the recorder produces them and the materializer consumes them.
type Change struct {
	Version      uint8
	Header       Header
	Dependencies []hash.Hash
	ExtraKnown   []hash.Hash
	Metadata     []byte
	Hunks        []byte
	ContentsHash hash.Hash
	Contents     []byte
	Tag          *TagMetadata
}

// IsTag reports whether the change carries tag metadata.
func (c *Change) IsTag() bool {
	return c.Tag != nil
}

// NewChange builds a change with the current format version and the contents
// hash precomputed.
func NewChange(header Header, deps []hash.Hash, hunks, contents []byte) *Change {
	return &Change{
		Version:      CurrentVersion,
		Header:       header,
		Dependencies: deps,
		Hunks:        hunks,
		ContentsHash: hash.Sum(contents),
		Contents:     contents,
	}
}

// Synthetic builds a change wrapper for a tag whose change file does not
// exist: the tag's header, no dependencies, no hunks, the tag's own hash as
// contents hash, and an empty metadata block. This makes tags usable wherever
// a change is consumed, dependency targets included.
func Synthetic(h hash.Hash, header Header) *Change {
	return &Change{
		Version:      1,
		Header:       header,
		ContentsHash: h,
		Tag:          &TagMetadata{},
	}
}
