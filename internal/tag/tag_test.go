package tag

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/atomic/internal/apply"
	"github.com/castingclouds/atomic/internal/change"
	"github.com/castingclouds/atomic/internal/changestore"
	"github.com/castingclouds/atomic/internal/hash"
	"github.com/castingclouds/atomic/internal/pristine"
)

type fixture struct {
	pristine *pristine.Pristine
	store    *changestore.FileSystem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	p, err := pristine.New(filepath.Join(dir, "pristine", "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	store, err := changestore.New(filepath.Join(dir, "changes"), 0)
	require.NoError(t, err)
	return &fixture{pristine: p, store: store}
}

func (f *fixture) record(t *testing.T, msg string, deps ...hash.Hash) hash.Hash {
	t.Helper()
	header := change.Header{
		Message:   msg,
		Timestamp: time.Date(2025, 7, 2, 10, 0, 0, 0, time.UTC),
	}
	c := change.NewChange(header, deps, nil, []byte(msg))
	h, err := f.store.SaveChange(c)
	require.NoError(t, err)
	return h
}

func tagHeader(msg string) change.Header {
	return change.Header{Message: msg, Timestamp: time.Date(2025, 7, 2, 11, 0, 0, 0, time.UTC)}
}

func TestConsolidate(t *testing.T) {
	f := newFixture(t)
	a := f.record(t, "A")
	b := f.record(t, "B", a)
	c := f.record(t, "C", b)

	require.NoError(t, f.pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel("main")
		require.NoError(t, err)
		_, err = apply.Node(txn, ch, f.store, c, pristine.NodeTypeChange)
		require.NoError(t, err)

		head, err := txn.CurrentState(ch)
		require.NoError(t, err)

		tag, err := Consolidate(txn, ch, f.store, tagHeader("v1"), nil)
		require.NoError(t, err)
		assert.Equal(t, head, tag.State)
		assert.Equal(t, uint64(3), tag.Position)
		assert.Equal(t, []hash.Hash{a, b, c}, tag.Short.Metadata.ConsolidatedChanges)
		assert.Equal(t, uint64(3), tag.Short.Metadata.ConsolidatedChangeCount)
		assert.Nil(t, tag.Short.Metadata.PreviousConsolidation)

		// tags[3] holds the tag's state.
		tags, err := txn.IterTags(ch, 0)
		require.NoError(t, err)
		require.Len(t, tags, 1)
		assert.Equal(t, uint64(3), tags[0].Pos)
		assert.Equal(t, tag.State, tags[0].State)

		// The tag's state is the channel Merkle at its position; applying
		// the tag did not advance the fold.
		current, err := txn.CurrentState(ch)
		require.NoError(t, err)
		assert.Equal(t, tag.State, current)
		entry, ok, err := txn.GetLogEntry(ch, 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry.Hash, entry.State)

		// The tag is registered with zero dependency edges.
		id, ok, err := txn.GetInternal(tag.State)
		require.NoError(t, err)
		require.True(t, ok)
		nodeType, _, err := txn.GetNodeType(id)
		require.NoError(t, err)
		assert.Equal(t, pristine.NodeTypeTag, nodeType)
		deps, err := txn.IterDeps(id)
		require.NoError(t, err)
		assert.Empty(t, deps)
		return nil
	}))
}

func TestConsolidateEmptyChannel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel("main")
		require.NoError(t, err)
		_, err = Consolidate(txn, ch, f.store, tagHeader("v0"), nil)
		assert.ErrorIs(t, err, ErrEmptyChannel)
		return nil
	}))
}

func TestRewriteDependencies(t *testing.T) {
	f := newFixture(t)
	a := f.record(t, "A")
	b := f.record(t, "B", a)
	c := f.record(t, "C", b)
	x := f.record(t, "X")

	require.NoError(t, f.pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel("main")
		require.NoError(t, err)
		_, err = apply.Node(txn, ch, f.store, c, pristine.NodeTypeChange)
		require.NoError(t, err)

		tag, err := Consolidate(txn, ch, f.store, tagHeader("v1"), nil)
		require.NoError(t, err)

		// A dependency covered by the tag collapses to the tag's hash;
		// uncovered dependencies are preserved.
		got, err := RewriteDependencies(&txn.Txn, ch, f.store, []hash.Hash{b, x})
		require.NoError(t, err)
		assert.Equal(t, []hash.Hash{tag.State, x}, got)

		// Multiple covered dependencies deduplicate to one tag reference.
		got, err = RewriteDependencies(&txn.Txn, ch, f.store, []hash.Hash{a, b, c})
		require.NoError(t, err)
		assert.Equal(t, []hash.Hash{tag.State}, got)
		return nil
	}))
}

func TestRewriteDependenciesWithoutTag(t *testing.T) {
	f := newFixture(t)
	a := f.record(t, "A")
	require.NoError(t, f.pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel("main")
		require.NoError(t, err)
		got, err := RewriteDependencies(&txn.Txn, ch, f.store, []hash.Hash{a})
		require.NoError(t, err)
		assert.Equal(t, []hash.Hash{a}, got)
		return nil
	}))
}

func TestSecondConsolidationChains(t *testing.T) {
	f := newFixture(t)
	a := f.record(t, "A")

	require.NoError(t, f.pristine.Update(func(txn *pristine.MutTxn) error {
		ch, err := txn.OpenOrCreateChannel("main")
		require.NoError(t, err)
		_, err = apply.Node(txn, ch, f.store, a, pristine.NodeTypeChange)
		require.NoError(t, err)

		first, err := Consolidate(txn, ch, f.store, tagHeader("v1"), nil)
		require.NoError(t, err)

		// Record a change that depends on the first tag.
		d := f.record(t, "D", first.State)
		_, err = apply.Node(txn, ch, f.store, d, pristine.NodeTypeChange)
		require.NoError(t, err)

		second, err := Consolidate(txn, ch, f.store, tagHeader("v2"), nil)
		require.NoError(t, err)
		require.NotNil(t, second.Short.Metadata.PreviousConsolidation)
		assert.Equal(t, first.State, *second.Short.Metadata.PreviousConsolidation)
		// Only the suffix after the first tag is absorbed.
		assert.Equal(t, []hash.Hash{d}, second.Short.Metadata.ConsolidatedChanges)
		return nil
	}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	h1 := hash.Sum([]byte("one"))
	h2 := hash.Sum([]byte("two"))
	entries := []pristine.LogEntry{
		{Pos: 0, Hash: h1, State: hash.Zero().Next(h1)},
		{Pos: 1, Hash: h2, State: hash.Zero().Next(h1).Next(h2)},
	}
	got, err := DecodeSnapshot(EncodeSnapshot(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = DecodeSnapshot([]byte{9, 9, 9})
	assert.Error(t, err)
}
