package pristine

import (
	"bytes"
	"fmt"

	"github.com/castingclouds/atomic/internal/hash"
)

// The node registry: mutually inverse internal/external maps, a node type
// byte per id, and symmetric dependency edge tables.

// AllocateNodeID reserves the next internal id. Allocation is monotone within
// a writer transaction and across commits; ids below firstNodeID are never
// handed out.
func (t *MutTxn) AllocateNodeID() (NodeId, error) {
	b, err := t.bucket(bucketAlloc)
	if err != nil {
		return 0, err
	}
	next := firstNodeID
	if v := b.Get(allocKey); v != nil {
		next = keyU64(v)
	}
	if err := b.Put(allocKey, u64Key(next+1)); err != nil {
		return 0, fmt.Errorf("pristine: allocate node id: %w", err)
	}
	return NodeId(next), nil
}

// RegisterNode binds (id, hash, type) and inserts the dependency edges. All
// hashes in deps must already be registered. Re-registering an identical
// binding is a no-op; re-registering with a different node type fails with
// ErrTypeMismatch.
func (t *MutTxn) RegisterNode(id NodeId, h hash.Hash, nodeType NodeType, deps []hash.Hash) error {
	internal, err := t.bucket(bucketInternal)
	if err != nil {
		return err
	}
	external, err := t.bucket(bucketExternal)
	if err != nil {
		return err
	}
	types, err := t.bucket(bucketNodeType)
	if err != nil {
		return err
	}

	if existing := internal.Get(h[:]); existing != nil {
		if NodeId(keyU64(existing)) != id {
			return fmt.Errorf("%w: hash %s already bound to %d", ErrCorrupt, h, keyU64(existing))
		}
		if tb := types.Get(u64Key(uint64(id))); tb != nil {
			stored, ok := NodeTypeFromU8(tb[0])
			if !ok {
				return fmt.Errorf("%w: invalid node type byte %d for id %d", ErrCorrupt, tb[0], id)
			}
			if stored != nodeType {
				return fmt.Errorf("%w: node %s registered as %s, asserted %s",
					ErrTypeMismatch, h, stored, nodeType)
			}
		}
	}

	idKey := u64Key(uint64(id))
	if err := internal.Put(h[:], idKey); err != nil {
		return fmt.Errorf("pristine: put internal: %w", err)
	}
	if err := external.Put(idKey, h.Bytes()); err != nil {
		return fmt.Errorf("pristine: put external: %w", err)
	}
	if err := types.Put(idKey, []byte{byte(nodeType)}); err != nil {
		return fmt.Errorf("pristine: put node type: %w", err)
	}

	if len(deps) == 0 {
		return nil
	}
	dep, err := t.bucket(bucketDep)
	if err != nil {
		return err
	}
	revdep, err := t.bucket(bucketRevdep)
	if err != nil {
		return err
	}
	for _, d := range deps {
		parentRaw := internal.Get(d[:])
		if parentRaw == nil {
			return fmt.Errorf("%w: dependency %s of %s is not registered", ErrNotFound, d, h)
		}
		parent := NodeId(keyU64(parentRaw))
		if err := dep.Put(edgeKey(id, parent), edgeVal); err != nil {
			return fmt.Errorf("pristine: put dep edge: %w", err)
		}
		if err := revdep.Put(edgeKey(parent, id), edgeVal); err != nil {
			return fmt.Errorf("pristine: put revdep edge: %w", err)
		}
	}
	return nil
}

// RegisterOrAllocate looks up the binding for h, allocating a fresh id and
// registering when absent. Returns the id either way.
func (t *MutTxn) RegisterOrAllocate(h hash.Hash, nodeType NodeType, deps []hash.Hash) (NodeId, error) {
	if id, ok, err := t.GetInternal(h); err != nil {
		return 0, err
	} else if ok {
		if err := t.RegisterNode(id, h, nodeType, deps); err != nil {
			return 0, err
		}
		return id, nil
	}
	id, err := t.AllocateNodeID()
	if err != nil {
		return 0, err
	}
	if err := t.RegisterNode(id, h, nodeType, deps); err != nil {
		return 0, err
	}
	return id, nil
}

// edgeVal marks edge presence; cursors read keys only.
var edgeVal = []byte{1}

func edgeKey(a, b NodeId) []byte {
	k := make([]byte, 16)
	copy(k, u64Key(uint64(a)))
	copy(k[8:], u64Key(uint64(b)))
	return k
}

// GetInternal resolves an external hash to its internal id.
func (t *Txn) GetInternal(h hash.Hash) (NodeId, bool, error) {
	b, err := t.bucket(bucketInternal)
	if err != nil {
		return 0, false, err
	}
	v := b.Get(h[:])
	if v == nil {
		return 0, false, nil
	}
	return NodeId(keyU64(v)), true, nil
}

// GetExternal resolves an internal id to its external hash.
func (t *Txn) GetExternal(id NodeId) (hash.Hash, bool, error) {
	b, err := t.bucket(bucketExternal)
	if err != nil {
		return hash.Hash{}, false, err
	}
	v := b.Get(u64Key(uint64(id)))
	if v == nil {
		return hash.Hash{}, false, nil
	}
	h, ok := hash.FromBytes(v)
	if !ok {
		return hash.Hash{}, false, fmt.Errorf("%w: external entry for id %d", ErrCorrupt, id)
	}
	return h, true, nil
}

// GetNodeType returns the node type recorded for id.
func (t *Txn) GetNodeType(id NodeId) (NodeType, bool, error) {
	b, err := t.bucket(bucketNodeType)
	if err != nil {
		return 0, false, err
	}
	v := b.Get(u64Key(uint64(id)))
	if v == nil {
		return 0, false, nil
	}
	nodeType, ok := NodeTypeFromU8(v[0])
	if !ok {
		return 0, false, fmt.Errorf("%w: invalid node type byte %d for id %d", ErrCorrupt, v[0], id)
	}
	return nodeType, true, nil
}

// GetNodeTypeByHash resolves the hash first, then its type.
func (t *Txn) GetNodeTypeByHash(h hash.Hash) (NodeType, bool, error) {
	id, ok, err := t.GetInternal(h)
	if err != nil || !ok {
		return 0, false, err
	}
	return t.GetNodeType(id)
}

// IsChangeNode reports whether id is registered as a Change.
func (t *Txn) IsChangeNode(id NodeId) (bool, error) {
	nodeType, ok, err := t.GetNodeType(id)
	return ok && nodeType.IsChange(), err
}

// IsTagNode reports whether id is registered as a Tag.
func (t *Txn) IsTagNode(id NodeId) (bool, error) {
	nodeType, ok, err := t.GetNodeType(id)
	return ok && nodeType.IsTag(), err
}

// IterDeps yields the parents of id, sorted by parent id.
func (t *Txn) IterDeps(id NodeId) ([]NodeId, error) {
	return t.iterEdges(bucketDep, id)
}

// IterRevdeps yields the children of id, sorted by child id.
func (t *Txn) IterRevdeps(id NodeId) ([]NodeId, error) {
	return t.iterEdges(bucketRevdep, id)
}

func (t *Txn) iterEdges(bucket []byte, id NodeId) ([]NodeId, error) {
	b, err := t.bucket(bucket)
	if err != nil {
		return nil, err
	}
	prefix := u64Key(uint64(id))
	var out []NodeId
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) != 16 {
			return nil, fmt.Errorf("%w: malformed edge key", ErrCorrupt)
		}
		out = append(out, NodeId(keyU64(k[8:])))
	}
	return out, nil
}
