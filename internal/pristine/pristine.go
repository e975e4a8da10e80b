// Package pristine is the transactional store that owns all registry,
// channel, and remote state. It is backed by a single bbolt database file:
// copy-on-write B-trees, one writer at a time, and snapshot reads that stay
// consistent across concurrent commits.
//
// The package exposes a small fixed set of named roots (buckets): the
// bidirectional node registry, the dependency edge tables, per-channel
// sub-structures, and per-remote position tables. All mutations go through a
// MutTxn and become durable atomically at Commit.
package pristine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Named roots. Every table the engine uses lives under one of these buckets.
var (
	bucketInternal = []byte("internal")  // hash -> NodeId
	bucketExternal = []byte("external")  // NodeId -> hash
	bucketNodeType = []byte("node_type") // NodeId -> NodeType byte
	bucketDep      = []byte("dep")       // (child, parent) -> nil
	bucketRevdep   = []byte("revdep")    // (parent, child) -> nil
	bucketChannels = []byte("channels")  // name -> channel sub-buckets
	bucketRemotes  = []byte("remotes")   // RemoteId -> remote sub-buckets
	bucketAlloc    = []byte("alloc")     // NodeId allocation counter
)

var allocKey = []byte("next_node_id")

// firstNodeID is the first allocatable id; ids below it are reserved
// (NodeId 0 is ROOT).
const firstNodeID uint64 = 16

// Pristine is a handle on the store. Safe for concurrent use; writer
// exclusion is enforced by the underlying database.
type Pristine struct {
	db *bolt.DB
}

// New opens (or creates) the database at path, creating parent directories
// and the named roots on first use.
func New(path string) (*Pristine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pristine: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pristine: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketInternal, bucketExternal, bucketNodeType,
			bucketDep, bucketRevdep, bucketChannels, bucketRemotes, bucketAlloc,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pristine: init roots: %w", err)
	}
	return &Pristine{db: db}, nil
}

// Close releases the database file.
func (p *Pristine) Close() error {
	return p.db.Close()
}

// Txn is a read snapshot. It sees a consistent frozen state and may coexist
// with one writer. Callers must End it.
type Txn struct {
	tx *bolt.Tx
}

// MutTxn is the single writer transaction. All mutations become durable
// atomically at Commit; Rollback (or End without Commit) discards them.
type MutTxn struct {
	Txn
	committed bool
}

// Txn begins a read snapshot.
func (p *Pristine) Txn() (*Txn, error) {
	tx, err := p.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("pristine: begin read: %w", err)
	}
	return &Txn{tx: tx}, nil
}

// MutTxn begins the writer transaction, blocking until the previous writer
// finishes.
func (p *Pristine) MutTxn() (*MutTxn, error) {
	tx, err := p.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("pristine: begin write: %w", err)
	}
	return &MutTxn{Txn: Txn{tx: tx}}, nil
}

// End releases a read snapshot. Safe to call twice.
func (t *Txn) End() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

// Commit makes every mutation in the transaction durable before returning.
func (t *MutTxn) Commit() error {
	if t.tx == nil {
		return fmt.Errorf("pristine: commit on finished transaction")
	}
	tx := t.tx
	t.tx = nil
	t.committed = true
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pristine: commit: %w", err)
	}
	return nil
}

// Rollback discards every mutation. Safe to call after Commit (no-op).
func (t *MutTxn) Rollback() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	return tx.Rollback()
}

// Update runs fn inside a writer transaction, committing on nil and rolling
// back on error.
func (p *Pristine) Update(fn func(*MutTxn) error) error {
	txn, err := p.MutTxn()
	if err != nil {
		return err
	}
	defer txn.Rollback()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn inside a read snapshot.
func (p *Pristine) View(fn func(*Txn) error) error {
	txn, err := p.Txn()
	if err != nil {
		return err
	}
	defer txn.End()
	return fn(txn)
}

func (t *Txn) bucket(name []byte) (*bolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: missing root %q", ErrCorrupt, name)
	}
	return b, nil
}

// u64Key renders an integer as a sortable big-endian key.
func u64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func keyU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
