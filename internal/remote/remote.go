// Package remote implements the synchronization protocol: typed nodes
// shipped between peers over HTTP or between repositories on the same
// filesystem, the changelist text format, the bounded-concurrency
// downloader, and clone.
package remote

import (
	"errors"
	"fmt"

	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

// ProtocolVersion is the node-type-aware sync protocol version. Peers refuse
// to sync across incompatible versions.
const ProtocolVersion = 4

// ErrProtocol is returned for unsupported versions and unparseable
// changelist lines.
var ErrProtocol = errors.New("remote: protocol error")

// Node is the sync-level view of a change or tag: its hash, the channel
// Merkle after it is applied, and its node type.
type Node struct {
	Hash  hash.Hash
	State hash.Merkle
	Type  pristine.NodeType
}

// IsChange reports whether the node is a change.
func (n Node) IsChange() bool { return n.Type.IsChange() }

// IsTag reports whether the node is a tag.
func (n Node) IsTag() bool { return n.Type.IsTag() }

// String renders the node with its one-character type marker.
func (n Node) String() string {
	return fmt.Sprintf("%s:%s", n.Type.Marker(), n.Hash)
}

// State is a sender's view of its channel head.
type State struct {
	Position uint64
	Head     hash.Merkle
	TagHead  hash.Merkle
}
