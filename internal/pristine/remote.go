package pristine

import (
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/castingclouds/atomic/internal/hash"
)

// Per-remote sub-buckets. The primary table mirrors the remote channel's log;
// the tags table marks which of those positions hold tags. An entry in tags
// is present iff the node type at that position is Tag.
var (
	remoteMeta = []byte("meta") // "url" -> url
	remoteLog  = []byte("log")  // position -> hash || state
	remoteTags = []byte("tags") // position -> tag state
)

var remoteMetaURL = []byte("url")

// Remote is a handle on the persistent state kept for one remote peer.
type Remote struct {
	id  uuid.UUID
	url string
}

// ID returns the 16-byte remote identifier.
func (r *Remote) ID() uuid.UUID { return r.id }

// URL returns the remote's URL or path.
func (r *Remote) URL() string { return r.url }

// RemoteNode is one mirrored entry of a remote's channel log.
type RemoteNode struct {
	Pos      uint64
	Hash     hash.Hash
	State    hash.Merkle
	NodeType NodeType
}

// OpenOrCreateRemote loads the per-remote tables for id, creating them (and
// recording url) on first use.
func (t *MutTxn) OpenOrCreateRemote(id uuid.UUID, url string) (*Remote, error) {
	remotes, err := t.bucket(bucketRemotes)
	if err != nil {
		return nil, err
	}
	rb := remotes.Bucket(id[:])
	if rb == nil {
		rb, err = remotes.CreateBucket(id[:])
		if err != nil {
			return nil, fmt.Errorf("pristine: create remote: %w", err)
		}
		for _, sub := range [][]byte{remoteMeta, remoteLog, remoteTags} {
			if _, err := rb.CreateBucket(sub); err != nil {
				return nil, fmt.Errorf("pristine: create remote: %w", err)
			}
		}
		if err := rb.Bucket(remoteMeta).Put(remoteMetaURL, []byte(url)); err != nil {
			return nil, fmt.Errorf("pristine: create remote: %w", err)
		}
		return &Remote{id: id, url: url}, nil
	}
	return loadRemote(rb, id)
}

// LoadRemote loads an existing remote; ok is false when unknown.
func (t *Txn) LoadRemote(id uuid.UUID) (*Remote, bool, error) {
	remotes, err := t.bucket(bucketRemotes)
	if err != nil {
		return nil, false, err
	}
	rb := remotes.Bucket(id[:])
	if rb == nil {
		return nil, false, nil
	}
	r, err := loadRemote(rb, id)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func loadRemote(rb *bolt.Bucket, id uuid.UUID) (*Remote, error) {
	meta := rb.Bucket(remoteMeta)
	if meta == nil {
		return nil, fmt.Errorf("%w: remote %s has no meta", ErrCorrupt, id)
	}
	return &Remote{id: id, url: string(meta.Get(remoteMetaURL))}, nil
}

// DropRemote removes all persistent state for a remote.
func (t *MutTxn) DropRemote(id uuid.UUID) error {
	remotes, err := t.bucket(bucketRemotes)
	if err != nil {
		return err
	}
	if remotes.Bucket(id[:]) == nil {
		return fmt.Errorf("%w: remote %s", ErrNotFound, id)
	}
	if err := remotes.DeleteBucket(id[:]); err != nil {
		return fmt.Errorf("pristine: drop remote: %w", err)
	}
	return nil
}

func (t *Txn) remoteSub(r *Remote, sub []byte) (*bolt.Bucket, error) {
	remotes, err := t.bucket(bucketRemotes)
	if err != nil {
		return nil, err
	}
	rb := remotes.Bucket(r.id[:])
	if rb == nil {
		return nil, fmt.Errorf("%w: remote %s", ErrNotFound, r.id)
	}
	sb := rb.Bucket(sub)
	if sb == nil {
		return nil, fmt.Errorf("%w: remote %s missing %q", ErrCorrupt, r.id, sub)
	}
	return sb, nil
}

// PutRemote records that the remote's channel has (hash, state) at position
// pos. When nodeType is Tag the position is also marked in the tags table,
// keeping the two tables in lockstep.
func (t *MutTxn) PutRemote(r *Remote, pos uint64, h hash.Hash, state hash.Merkle, nodeType NodeType) error {
	log, err := t.remoteSub(r, remoteLog)
	if err != nil {
		return err
	}
	if err := log.Put(u64Key(pos), logValue(h, state)); err != nil {
		return fmt.Errorf("pristine: put remote: %w", err)
	}
	tags, err := t.remoteSub(r, remoteTags)
	if err != nil {
		return err
	}
	if nodeType.IsTag() {
		if err := tags.Put(u64Key(pos), state.Bytes()); err != nil {
			return fmt.Errorf("pristine: put remote tag: %w", err)
		}
	} else if tags.Get(u64Key(pos)) != nil {
		if err := tags.Delete(u64Key(pos)); err != nil {
			return fmt.Errorf("pristine: clear remote tag: %w", err)
		}
	}
	return nil
}

// GetRemoteNode returns the mirrored entry at pos.
func (t *Txn) GetRemoteNode(r *Remote, pos uint64) (RemoteNode, bool, error) {
	log, err := t.remoteSub(r, remoteLog)
	if err != nil {
		return RemoteNode{}, false, err
	}
	v := log.Get(u64Key(pos))
	if v == nil {
		return RemoteNode{}, false, nil
	}
	h, state, err := splitLogValue(v)
	if err != nil {
		return RemoteNode{}, false, err
	}
	isTag, err := t.IsRemoteTag(r, pos)
	if err != nil {
		return RemoteNode{}, false, err
	}
	nodeType := NodeTypeChange
	if isTag {
		nodeType = NodeTypeTag
	}
	return RemoteNode{Pos: pos, Hash: h, State: state, NodeType: nodeType}, true, nil
}

// IsRemoteTag reports whether the node mirrored at pos is a tag.
func (t *Txn) IsRemoteTag(r *Remote, pos uint64) (bool, error) {
	tags, err := t.remoteSub(r, remoteTags)
	if err != nil {
		return false, err
	}
	return tags.Get(u64Key(pos)) != nil, nil
}

// LastRemote returns the highest mirrored position, if any.
func (t *Txn) LastRemote(r *Remote) (RemoteNode, bool, error) {
	log, err := t.remoteSub(r, remoteLog)
	if err != nil {
		return RemoteNode{}, false, err
	}
	k, _ := log.Cursor().Last()
	if k == nil {
		return RemoteNode{}, false, nil
	}
	return t.GetRemoteNode(r, keyU64(k))
}

// DelRemote removes the mirrored entry at pos from both tables.
func (t *MutTxn) DelRemote(r *Remote, pos uint64) error {
	log, err := t.remoteSub(r, remoteLog)
	if err != nil {
		return err
	}
	if err := log.Delete(u64Key(pos)); err != nil {
		return fmt.Errorf("pristine: del remote: %w", err)
	}
	tags, err := t.remoteSub(r, remoteTags)
	if err != nil {
		return err
	}
	if err := tags.Delete(u64Key(pos)); err != nil {
		return fmt.Errorf("pristine: del remote tag: %w", err)
	}
	return nil
}

// ForEachRemoteNode walks the mirrored log from position from, ascending.
func (t *Txn) ForEachRemoteNode(r *Remote, from uint64, fn func(RemoteNode) error) error {
	log, err := t.remoteSub(r, remoteLog)
	if err != nil {
		return err
	}
	c := log.Cursor()
	for k, v := c.Seek(u64Key(from)); k != nil; k, v = c.Next() {
		h, state, err := splitLogValue(v)
		if err != nil {
			return err
		}
		pos := keyU64(k)
		isTag, err := t.IsRemoteTag(r, pos)
		if err != nil {
			return err
		}
		nodeType := NodeTypeChange
		if isTag {
			nodeType = NodeTypeTag
		}
		if err := fn(RemoteNode{Pos: pos, Hash: h, State: state, NodeType: nodeType}); err != nil {
			return err
		}
	}
	return nil
}
