// Package changestore is the content-addressed filesystem store for change
// and tag files, sharded by the first two Base32 characters of the hash.
// Writes are atomic: a sibling temp file is renamed into place. A small LRU
// keyed by internal node id bounds the number of parsed changes held in
// memory.
package changestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

// ErrNotFound is returned when neither a change file nor a tag file exists
// for a hash.
var ErrNotFound = errors.New("changestore: not found")

// DefaultCacheSize bounds the parsed-change cache.
const DefaultCacheSize = 128

// FileSystem stores change and tag files under a changes directory.
type FileSystem struct {
	changesDir string
	cache      *lru.Cache[pristine.NodeId, *change.Change]
}

// New creates a store rooted at changesDir, creating the directory on demand.
func New(changesDir string, cacheSize int) (*FileSystem, error) {
	if err := os.MkdirAll(changesDir, 0o755); err != nil {
		return nil, fmt.Errorf("changestore: create dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[pristine.NodeId, *change.Change](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("changestore: cache: %w", err)
	}
	return &FileSystem{changesDir: changesDir, cache: cache}, nil
}

// Filename returns the sharded path of the change file for h.
func (fs *FileSystem) Filename(h hash.Hash) string {
	return fs.sharded(h, ".change")
}

// TagFilename returns the sharded path of the tag file for state.
func (fs *FileSystem) TagFilename(state hash.Merkle) string {
	return fs.sharded(state, ".tag")
}

func (fs *FileSystem) sharded(h hash.Hash, ext string) string {
	b32 := h.Base32()
	return filepath.Join(fs.changesDir, b32[:2], b32[2:]+ext)
}

// HasChange reports whether a change file exists for h.
func (fs *FileSystem) HasChange(h hash.Hash) bool {
	_, err := os.Stat(fs.Filename(h))
	return err == nil
}

// HasTag reports whether a tag file exists for state.
func (fs *FileSystem) HasTag(state hash.Merkle) bool {
	_, err := os.Stat(fs.TagFilename(state))
	return err == nil
}

// SaveChange serializes c, writes it atomically, and returns the computed
// hash.
func (fs *FileSystem) SaveChange(c *change.Change) (hash.Hash, error) {
	return fs.SaveChangeSigned(c, nil)
}

// SaveChangeSigned is SaveChange with a signing hook: sign is called with the
// computed hash after serialization and before the file is renamed into
// place. A signing error aborts the save, leaving no file behind.
func (fs *FileSystem) SaveChangeSigned(c *change.Change, sign func(hash.Hash) error) (hash.Hash, error) {
	tmp, err := os.CreateTemp(fs.changesDir, "change-*.tmp")
	if err != nil {
		return hash.Hash{}, fmt.Errorf("changestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h, err := c.Serialize(tmp)
	if err != nil {
		tmp.Close()
		return hash.Hash{}, err
	}
	if err := tmp.Close(); err != nil {
		return hash.Hash{}, fmt.Errorf("changestore: close temp: %w", err)
	}
	if sign != nil {
		if err := sign(h); err != nil {
			return hash.Hash{}, err
		}
	}
	if err := fs.persist(tmpName, fs.Filename(h)); err != nil {
		return hash.Hash{}, err
	}
	return h, nil
}

// SaveFromBuf verifies that buf hashes to h, then writes it atomically. The
// cache entry for id, when supplied, is evicted so a later read re-parses the
// new bytes.
func (fs *FileSystem) SaveFromBuf(buf []byte, h hash.Hash, id *pristine.NodeId) error {
	if err := change.VerifyBuf(buf, h); err != nil {
		return err
	}
	if err := fs.writeAtomic(buf, fs.Filename(h)); err != nil {
		return err
	}
	if id != nil {
		fs.cache.Remove(*id)
	}
	return nil
}

// SaveTagFile writes a complete tag file for state atomically.
func (fs *FileSystem) SaveTagFile(state hash.Merkle, short *change.ShortTag, snapshot []byte) error {
	tmp, err := os.CreateTemp(fs.changesDir, "tag-*.tmp")
	if err != nil {
		return fmt.Errorf("changestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := change.WriteTagFile(tmp, short, snapshot); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("changestore: close temp: %w", err)
	}
	return fs.persist(tmpName, fs.TagFilename(state))
}

// SaveTagFromBuf writes raw tag file bytes for state atomically.
func (fs *FileSystem) SaveTagFromBuf(buf []byte, state hash.Merkle) error {
	return fs.writeAtomic(buf, fs.TagFilename(state))
}

func (fs *FileSystem) writeAtomic(buf []byte, target string) error {
	tmp, err := os.CreateTemp(fs.changesDir, "write-*.tmp")
	if err != nil {
		return fmt.Errorf("changestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("changestore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("changestore: close temp: %w", err)
	}
	return fs.persist(tmpName, target)
}

func (fs *FileSystem) persist(tmpName, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("changestore: create shard dir: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("changestore: rename into place: %w", err)
	}
	return nil
}

// GetChange loads the change for h. When only a tag file exists under the
// same hash, a synthetic change wrapper is returned so tags remain usable
// wherever a change is consumed.
func (fs *FileSystem) GetChange(h hash.Hash) (*change.Change, error) {
	f, err := os.Open(fs.Filename(h))
	if err == nil {
		defer f.Close()
		return change.Deserialize(f, &h)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("changestore: open change: %w", err)
	}

	tagPath := fs.TagFilename(h)
	tf, tagErr := change.OpenTagPath(tagPath, &h)
	if tagErr != nil {
		if os.IsNotExist(tagErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, tagErr
	}
	return change.Synthetic(h, tf.Header()), nil
}

// GetChangeCached loads the change for h through the LRU, keyed by its
// internal id.
func (fs *FileSystem) GetChangeCached(id pristine.NodeId, h hash.Hash) (*change.Change, error) {
	if c, ok := fs.cache.Get(id); ok {
		return c, nil
	}
	c, err := fs.GetChange(h)
	if err != nil {
		return nil, err
	}
	fs.cache.Add(id, c)
	return c, nil
}

// GetHeader returns the header of the change for h. It parses the whole
// change (or, for a tag, the tag file) through GetChange; there is no
// header-only read path.
func (fs *FileSystem) GetHeader(h hash.Hash) (change.Header, error) {
	c, err := fs.GetChange(h)
	if err != nil {
		return change.Header{}, err
	}
	return c.Header, nil
}

// GetTagHeader loads the header from the tag file for state.
func (fs *FileSystem) GetTagHeader(state hash.Merkle) (change.Header, error) {
	tf, err := change.OpenTagPath(fs.TagFilename(state), &state)
	if err != nil {
		if os.IsNotExist(err) {
			return change.Header{}, fmt.Errorf("%w: tag %s", ErrNotFound, state)
		}
		return change.Header{}, err
	}
	return tf.Header(), nil
}

// OpenTag opens the tag file for state.
func (fs *FileSystem) OpenTag(state hash.Merkle) (*change.OpenTagFile, error) {
	tf, err := change.OpenTagPath(fs.TagFilename(state), &state)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: tag %s", ErrNotFound, state)
		}
		return nil, err
	}
	return tf, nil
}

// DelChange removes the change file for h and reports whether a file was
// removed. The shard directory removal is best-effort: it fails silently when
// siblings remain.
func (fs *FileSystem) DelChange(h hash.Hash) bool {
	name := fs.Filename(h)
	removed := os.Remove(name) == nil
	_ = os.Remove(filepath.Dir(name))
	return removed
}
