package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	challenge := []byte("server challenge bytes")
	sig := key.Sign(challenge)
	assert.True(t, Verify(key.EncodedPublic(), challenge, sig))
	assert.False(t, Verify(key.EncodedPublic(), []byte("other"), sig))

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, Verify(other.EncodedPublic(), challenge, sig))
	assert.False(t, Verify("not base64!", challenge, sig))
}

func TestWriteLoadList(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)
	record := &Identity{
		Name:         "alice",
		DisplayName:  "Alice",
		Email:        "alice@example.com",
		PublicKey:    key.EncodedPublic(),
		LastModified: time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, record.Write(dir))

	got, err := Load(dir, record.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, record.Name, got.Name)
	assert.True(t, record.LastModified.Equal(got.LastModified))

	all, err := List(dir)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Name)

	// A missing directory lists as empty.
	empty, err := List(dir + "-missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
