package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("test data"))
	b := Sum([]byte("test data"))
	assert.Equal(t, a, b)
}

func TestSumSeparation(t *testing.T) {
	a := Sum([]byte("test data 1"))
	b := Sum([]byte("test data 2"))
	assert.NotEqual(t, a, b)
}

func TestSumAlgorithmByte(t *testing.T) {
	h := Sum([]byte("blabla"))
	assert.Equal(t, AlgorithmEd25519, h[0])
}

func TestZero(t *testing.T) {
	z := Zero()
	assert.True(t, z.IsZero())
	assert.False(t, Sum([]byte("not none")).IsZero())

	// The NONE value is the Ed25519 base point.
	assert.Equal(t, byte(0x58), z[1])
	for _, b := range z[2:] {
		assert.Equal(t, byte(0x66), b)
	}
}

func TestBase32RoundTrip(t *testing.T) {
	for _, input := range []string{"", "a", "roundtrip test", "blabla"} {
		h := Sum([]byte(input))
		s := h.Base32()
		require.Len(t, s, Base32Len)
		got, ok := FromBase32(s)
		require.True(t, ok, "input %q", input)
		assert.Equal(t, h, got)
	}

	z := Zero()
	got, ok := FromBase32(z.Base32())
	require.True(t, ok)
	assert.Equal(t, z, got)
}

func TestFromBase32Rejects(t *testing.T) {
	h := Sum([]byte("x"))
	valid := h.Base32()

	_, ok := FromBase32(valid[:52])
	assert.False(t, ok, "short input")

	_, ok = FromBase32(valid + "A")
	assert.False(t, ok, "long input")

	_, ok = FromBase32(strings.Repeat("0", Base32Len))
	assert.False(t, ok, "alphabet violation")

	_, ok = FromBase32("")
	assert.False(t, ok, "empty input")
}

func TestFromBytes(t *testing.T) {
	h := Sum([]byte("bytes"))

	got, ok := FromBytes(h.Bytes())
	require.True(t, ok)
	assert.Equal(t, h, got)

	// Raw 32-byte compressed point form.
	got, ok = FromBytes(h[1:])
	require.True(t, ok)
	assert.Equal(t, h, got)

	_, ok = FromBytes(nil)
	assert.False(t, ok)

	bad := h.Bytes()
	bad[0] = 7
	_, ok = FromBytes(bad)
	assert.False(t, ok)
}

func TestNextOrderSensitive(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))

	ab := Zero().Next(a).Next(b)
	ba := Zero().Next(b).Next(a)
	assert.NotEqual(t, ab, ba)

	// Deterministic.
	assert.Equal(t, ab, Zero().Next(a).Next(b))

	// Folding yields valid hashes.
	_, ok := FromBytes(ab.Bytes())
	assert.True(t, ok)
}

func TestHasherMatchesSum(t *testing.T) {
	var hs Hasher
	_, err := hs.Write([]byte("split "))
	require.NoError(t, err)
	_, err = hs.Write([]byte("input"))
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("split input")), hs.Finish())

	hs.Reset()
	_, err = hs.Write([]byte("other"))
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("other")), hs.Finish())
}

func TestCompare(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -a.Compare(b), b.Compare(a))
}
