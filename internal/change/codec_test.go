package change

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/atomic/internal/hash"
)

func testHeader(msg string) Header {
	return Header{
		Message:   msg,
		Timestamp: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Authors:   []Author{{"name": "alice", "email": "alice@example.com"}},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	dep := hash.Sum([]byte("a dependency"))
	c := NewChange(testHeader("c1"), []hash.Hash{dep}, []byte("hunk bytes"), []byte("file contents"))
	c.Metadata = []byte(`{"k":"v"}`)

	var buf bytes.Buffer
	h, err := c.Serialize(&buf)
	require.NoError(t, err)

	got, err := Deserialize(bytes.NewReader(buf.Bytes()), &h)
	require.NoError(t, err)

	assert.Equal(t, c.Version, got.Version)
	assert.Equal(t, c.Header.Message, got.Header.Message)
	assert.True(t, c.Header.Timestamp.Equal(got.Header.Timestamp))
	assert.Equal(t, c.Header.Authors, got.Header.Authors)
	assert.Equal(t, c.Dependencies, got.Dependencies)
	assert.Equal(t, c.Metadata, got.Metadata)
	assert.Equal(t, c.Hunks, got.Hunks)
	assert.Equal(t, c.ContentsHash, got.ContentsHash)
	assert.Equal(t, c.Contents, got.Contents)
	assert.Nil(t, got.Tag)
}

func TestSerializeHashStable(t *testing.T) {
	c := NewChange(testHeader("same"), nil, nil, nil)
	var a, b bytes.Buffer
	h1, err := c.Serialize(&a)
	require.NoError(t, err)
	h2, err := c.Serialize(&b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	direct, err := c.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, direct)
}

func TestDeserializeChecksum(t *testing.T) {
	c := NewChange(testHeader("tampered"), nil, nil, []byte("contents"))
	var buf bytes.Buffer
	_, err := c.Serialize(&buf)
	require.NoError(t, err)

	wrong := hash.Sum([]byte("some other change"))
	_, err = Deserialize(bytes.NewReader(buf.Bytes()), &wrong)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	_, err := Deserialize(bytes.NewReader([]byte("not a change file")), nil)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Deserialize(bytes.NewReader(nil), nil)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestVerifyBuf(t *testing.T) {
	c := NewChange(testHeader("verify"), nil, nil, []byte("x"))
	var buf bytes.Buffer
	h, err := c.Serialize(&buf)
	require.NoError(t, err)

	assert.NoError(t, VerifyBuf(buf.Bytes(), h))
	assert.Error(t, VerifyBuf(buf.Bytes(), hash.Sum([]byte("no"))))
}

func TestTagRoundTrip(t *testing.T) {
	prev := hash.Sum([]byte("previous tag"))
	version := "v1.0.0"
	c := NewChange(testHeader("release"), nil, nil, nil)
	c.Tag = &TagMetadata{
		Channel:                 "main",
		ConsolidatedChangeCount: 2,
		DependencyCountBefore:   2,
		ConsolidatedChanges:     []hash.Hash{hash.Sum([]byte("c1")), hash.Sum([]byte("c2"))},
		PreviousConsolidation:   &prev,
		Version:                 &version,
	}
	require.True(t, c.IsTag())

	var buf bytes.Buffer
	h, err := c.Serialize(&buf)
	require.NoError(t, err)
	got, err := Deserialize(&buf, &h)
	require.NoError(t, err)
	require.NotNil(t, got.Tag)
	assert.Equal(t, c.Tag.Channel, got.Tag.Channel)
	assert.Equal(t, c.Tag.ConsolidatedChanges, got.Tag.ConsolidatedChanges)
	assert.Equal(t, c.Tag.PreviousConsolidation, got.Tag.PreviousConsolidation)
	assert.Equal(t, c.Tag.Version, got.Tag.Version)
}

func TestSynthetic(t *testing.T) {
	h := hash.Sum([]byte("a tag"))
	c := Synthetic(h, testHeader("tag message"))
	assert.Equal(t, uint8(1), c.Version)
	assert.Equal(t, "tag message", c.Header.Message)
	assert.Empty(t, c.Dependencies)
	assert.Empty(t, c.Hunks)
	assert.Equal(t, h, c.ContentsHash)
	require.NotNil(t, c.Tag)
	assert.Zero(t, c.Tag.ConsolidatedChangeCount)
}

func TestTagFileRoundTrip(t *testing.T) {
	state := hash.Zero().Next(hash.Sum([]byte("c1")))
	short := &ShortTag{
		State:  state,
		Header: testHeader("tag 1"),
		Metadata: TagMetadata{
			Channel:                 "main",
			ConsolidatedChangeCount: 1,
			ConsolidatedChanges:     []hash.Hash{hash.Sum([]byte("c1"))},
		},
	}
	snapshot := []byte("serialized channel state")

	var buf bytes.Buffer
	require.NoError(t, WriteTagFile(&buf, short, snapshot))

	tf, err := OpenTag(bytes.NewReader(buf.Bytes()), &state)
	require.NoError(t, err)
	assert.Equal(t, state, tf.Short().State)
	assert.Equal(t, "tag 1", tf.Header().Message)
	assert.Equal(t, snapshot, tf.Snapshot())
	assert.Equal(t, state, tf.Short().ChangeFileHash())

	// Wrong expected state.
	other := hash.Sum([]byte("other"))
	_, err = OpenTag(bytes.NewReader(buf.Bytes()), &other)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestShortTagWire(t *testing.T) {
	state := hash.Zero().Next(hash.Sum([]byte("x")))
	short := &ShortTag{State: state, Header: testHeader("short")}

	var full bytes.Buffer
	require.NoError(t, WriteTagFile(&full, short, []byte("snapshot")))
	tf, err := OpenTag(bytes.NewReader(full.Bytes()), nil)
	require.NoError(t, err)

	var wire bytes.Buffer
	require.NoError(t, tf.WriteShort(&wire))

	parsed, err := ParseShort(wire.Bytes())
	require.NoError(t, err)
	assert.Equal(t, state, parsed.State)
	assert.Equal(t, "short", parsed.Header.Message)

	// Rebuild a full file from the short wire form.
	var rebuilt bytes.Buffer
	require.NoError(t, FromShortTag(wire.Bytes(), []byte("snapshot"), &rebuilt))
	tf2, err := OpenTag(bytes.NewReader(rebuilt.Bytes()), &state)
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot"), tf2.Snapshot())
}
