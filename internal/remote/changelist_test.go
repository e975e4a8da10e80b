package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/atomic/internal/hash"
)

func TestChangelistRoundTrip(t *testing.T) {
	h := hash.Sum([]byte("a change"))
	m := hash.Zero().Next(h)

	for _, isTag := range []bool{false, true} {
		line, err := ParseLine(FormatLine(7, h, m, isTag))
		require.NoError(t, err)
		assert.Equal(t, LineChange, line.Kind)
		assert.Equal(t, uint64(7), line.N)
		assert.Equal(t, h, line.Hash)
		assert.Equal(t, m, line.Merkle)
		assert.Equal(t, isTag, line.IsTag)
	}
}

func TestParsePositionLine(t *testing.T) {
	h := hash.Sum([]byte("pos"))
	line, err := ParseLine(FormatPositionLine(h, 12))
	require.NoError(t, err)
	assert.Equal(t, LinePosition, line.Kind)
	assert.Equal(t, h, line.Hash)
	assert.Equal(t, uint64(12), line.Pos)
}

func TestParseErrorLine(t *testing.T) {
	line, err := ParseLine("error: channel is being rebuilt")
	require.NoError(t, err)
	assert.Equal(t, LineError, line.Kind)
	assert.Equal(t, "channel is being rebuilt", line.Message)
}

func TestParseLineRejects(t *testing.T) {
	for _, l := range []string{
		"garbage",
		"x.y.z",
		"1.notahash.alsonot",
		"1.",
		"!nope",
	} {
		_, err := ParseLine(l)
		assert.ErrorIs(t, err, ErrProtocol, "line %q", l)
	}
}

func TestProtocolVersion(t *testing.T) {
	assert.Equal(t, 4, ProtocolVersion)
}
