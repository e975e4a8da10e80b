package changestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

func testStore(t *testing.T) *FileSystem {
	t.Helper()
	fs, err := New(filepath.Join(t.TempDir(), "changes"), 8)
	require.NoError(t, err)
	return fs
}

func testChange(msg string) *change.Change {
	header := change.Header{
		Message:   msg,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Authors:   []change.Author{{"name": "alice"}},
	}
	return change.NewChange(header, nil, []byte("hunks"), []byte("contents of "+msg))
}

func TestSaveAndGetChange(t *testing.T) {
	fs := testStore(t)
	c := testChange("c1")

	h, err := fs.SaveChange(c)
	require.NoError(t, err)
	assert.True(t, fs.HasChange(h))

	// Sharded path: first two Base32 characters form the directory.
	b32 := h.Base32()
	assert.Equal(t, b32[:2], filepath.Base(filepath.Dir(fs.Filename(h))))

	got, err := fs.GetChange(h)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Header.Message)
	assert.Equal(t, c.ContentsHash, got.ContentsHash)

	header, err := fs.GetHeader(h)
	require.NoError(t, err)
	assert.Equal(t, "c1", header.Message)
}

func TestGetChangeNotFound(t *testing.T) {
	fs := testStore(t)
	_, err := fs.GetChange(hash.Sum([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveFromBuf(t *testing.T) {
	fs := testStore(t)
	c := testChange("buffered")
	var buf bytes.Buffer
	h, err := c.Serialize(&buf)
	require.NoError(t, err)

	require.NoError(t, fs.SaveFromBuf(buf.Bytes(), h, nil))
	assert.True(t, fs.HasChange(h))

	// A buffer that does not hash to the claimed value is rejected.
	err = fs.SaveFromBuf(buf.Bytes(), hash.Sum([]byte("wrong")), nil)
	assert.Error(t, err)
}

func TestCacheEvictionOnOverwrite(t *testing.T) {
	fs := testStore(t)
	c := testChange("cached")
	h, err := fs.SaveChange(c)
	require.NoError(t, err)

	id := pristine.NodeId(17)
	first, err := fs.GetChangeCached(id, h)
	require.NoError(t, err)

	// Cache hit returns the same parsed value.
	second, err := fs.GetChangeCached(id, h)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Overwriting through SaveFromBuf evicts the entry.
	var buf bytes.Buffer
	_, err = c.Serialize(&buf)
	require.NoError(t, err)
	require.NoError(t, fs.SaveFromBuf(buf.Bytes(), h, &id))
	third, err := fs.GetChangeCached(id, h)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestTagFileAndSyntheticFallback(t *testing.T) {
	fs := testStore(t)
	state := hash.Zero().Next(hash.Sum([]byte("c1")))
	short := &change.ShortTag{
		State: state,
		Header: change.Header{
			Message:   "release 1",
			Timestamp: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
		Metadata: change.TagMetadata{Channel: "main", ConsolidatedChangeCount: 1},
	}
	require.NoError(t, fs.SaveTagFile(state, short, []byte("snapshot")))
	require.True(t, fs.HasTag(state))

	header, err := fs.GetTagHeader(state)
	require.NoError(t, err)
	assert.Equal(t, "release 1", header.Message)

	// No change file exists for the tag's hash, so GetChange synthesizes a
	// change wrapper from the tag file.
	got, err := fs.GetChange(state)
	require.NoError(t, err)
	assert.Equal(t, "release 1", got.Header.Message)
	assert.Empty(t, got.Dependencies)
	assert.Empty(t, got.Hunks)
	assert.Equal(t, state, got.ContentsHash)
	require.NotNil(t, got.Tag)

	tf, err := fs.OpenTag(state)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), tf.Snapshot())
}

func TestDelChange(t *testing.T) {
	fs := testStore(t)
	h, err := fs.SaveChange(testChange("doomed"))
	require.NoError(t, err)

	assert.True(t, fs.DelChange(h))
	assert.False(t, fs.HasChange(h))
	assert.False(t, fs.DelChange(h))

	// The shard directory is removed when it becomes empty.
	_, statErr := os.Stat(filepath.Dir(fs.Filename(h)))
	assert.True(t, os.IsNotExist(statErr))
}
