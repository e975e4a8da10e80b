// Package tag creates consolidating tags: checkpoint nodes whose hash is the
// channel Merkle they snapshot, and which collapse the dependency chains of
// everything they absorb. After a tag, newly recorded changes depend on the
// tag instead of its absorbed ancestors.
package tag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

// ErrEmptyChannel is returned when consolidating a channel with no applied
// nodes.
var ErrEmptyChannel = errors.New("tag: nothing to consolidate")

// Consolidated describes a freshly created tag.
type Consolidated struct {
	// State is the tag's state and hash: the channel Merkle at its position.
	State hash.Merkle
	// Position is the log position the tag was applied at.
	Position uint64
	// Short is the tag file's short section.
	Short *change.ShortTag
}

// Consolidate creates a tag at the current head of the channel: it collects
// every hash since the previous consolidation (or from position 0), writes
// the tag file, registers a Tag node with zero dependency edges — the tag's
// history is captured by its content — and appends it to the channel log.
func Consolidate(txn *pristine.MutTxn, ch *pristine.Channel, store *changestore.FileSystem, header change.Header, version *string) (*Consolidated, error) {
	entries, err := txn.Log(ch, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: channel %q", ErrEmptyChannel, ch.Name())
	}

	since := uint64(0)
	var prevTag *hash.Merkle
	if last, ok, err := txn.LastTag(ch); err != nil {
		return nil, err
	} else if ok {
		since = last.Pos + 1
		state := last.State
		prevTag = &state
	}

	var consolidated []hash.Hash
	for _, e := range entries {
		if e.Pos >= since {
			consolidated = append(consolidated, e.Hash)
		}
	}

	state, err := txn.CurrentState(ch)
	if err != nil {
		return nil, err
	}

	short := &change.ShortTag{
		State:  state,
		Header: header,
		Metadata: change.TagMetadata{
			Channel:                 ch.Name(),
			ConsolidatedChangeCount: uint64(len(consolidated)),
			DependencyCountBefore:   uint64(len(entries)) - since,
			ConsolidatedChanges:     consolidated,
			PreviousConsolidation:   prevTag,
			ConsolidatesSince:       prevTag,
			Version:                 version,
		},
	}
	if err := store.SaveTagFile(state, short, EncodeSnapshot(entries)); err != nil {
		return nil, err
	}

	res, err := apply.Node(txn, ch, store, state, pristine.NodeTypeTag)
	if err != nil {
		return nil, err
	}
	return &Consolidated{State: state, Position: res.Position, Short: short}, nil
}

// RewriteDependencies implements the recorder-side collapse: dependencies
// covered by the channel's most recent tag are replaced by the tag's own
// hash, deduplicated in place; uncovered dependencies are preserved in order.
// Without a tag on the channel the input comes back unchanged.
func RewriteDependencies(txn *pristine.Txn, ch *pristine.Channel, store *changestore.FileSystem, rawDeps []hash.Hash) ([]hash.Hash, error) {
	last, ok, err := txn.LastTag(ch)
	if err != nil || !ok {
		return rawDeps, err
	}
	tf, err := store.OpenTag(last.State)
	if err != nil {
		return nil, err
	}
	covered := make(map[hash.Hash]struct{}, len(tf.Short().Metadata.ConsolidatedChanges))
	for _, h := range tf.Short().Metadata.ConsolidatedChanges {
		covered[h] = struct{}{}
	}

	tagHash := tf.Short().ChangeFileHash()
	seen := make(map[hash.Hash]struct{}, len(rawDeps))
	out := make([]hash.Hash, 0, len(rawDeps))
	for _, dep := range rawDeps {
		target := dep
		if _, isCovered := covered[dep]; isCovered {
			target = tagHash
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out, nil
}

// Snapshot layout: format version byte, entry count, then fixed-width
// (position, hash, state) records.
const snapshotVersion byte = 1

// EncodeSnapshot serializes a channel log for embedding in a tag file.
func EncodeSnapshot(entries []pristine.LogEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(snapshotVersion)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(entries)))
	buf.Write(n[:])
	for _, e := range entries {
		binary.BigEndian.PutUint64(n[:], e.Pos)
		buf.Write(n[:])
		buf.Write(e.Hash.Bytes())
		buf.Write(e.State.Bytes())
	}
	return buf.Bytes()
}

// DecodeSnapshot parses a serialized channel log.
func DecodeSnapshot(b []byte) ([]pristine.LogEntry, error) {
	r := bytes.NewReader(b)
	version, err := r.ReadByte()
	if err != nil || version != snapshotVersion {
		return nil, change.ErrFormat
	}
	var n [8]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, change.ErrFormat
	}
	count := binary.BigEndian.Uint64(n[:])
	if count*uint64(8+2*hash.Size) > uint64(r.Len()) {
		return nil, change.ErrFormat
	}
	entries := make([]pristine.LogEntry, 0, count)
	var hb [hash.Size]byte
	for range count {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, change.ErrFormat
		}
		pos := binary.BigEndian.Uint64(n[:])
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return nil, change.ErrFormat
		}
		h, ok := hash.FromBytes(hb[:])
		if !ok {
			return nil, change.ErrFormat
		}
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return nil, change.ErrFormat
		}
		state, ok := hash.FromBytes(hb[:])
		if !ok {
			return nil, change.ErrFormat
		}
		entries = append(entries, pristine.LogEntry{Pos: pos, Hash: h, State: state})
	}
	return entries, nil
}
