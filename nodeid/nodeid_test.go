package nodeid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFromDottedStringRoundTrip(t *testing.T) {
	n, err := FromDottedString("02.01.57.00.04.9C")
	require.NoError(t, err)
	assert.Equal(t, "02.01.57.00.04.9C", n.String())
	assert.Equal(t, uint64(0x0201570004_9C), n.Uint64())
}

func TestFromDottedStringInvalid(t *testing.T) {
	cases := []string{
		"",
		"02.01.57.00.04",
		"02.01.57.00.04.9C.00",
		"ZZ.01.57.00.04.9C",
		"2.01.57.00.04.9C",
	}
	for _, c := range cases {
		_, err := FromDottedString(c)
		assert.ErrorIs(t, err, ErrInvalidNodeID, "input %q", c)
	}
}

func TestFromUint64OutOfRange(t *testing.T) {
	_, err := FromUint64(1 << 48)
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestFromBytesWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

// TestRoundTripProperty covers: for any legal 48-bit value, constructing
// via FromUint64, rendering to the dotted string, and re-parsing yields
// the same NodeID (spec.md data model invariant on canonical strings).
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint64Range(0, mask48).Draw(t, "v")
		n, err := FromUint64(v)
		require.NoError(t, err)

		reparsed, err := FromDottedString(n.String())
		require.NoError(t, err)
		assert.True(t, n.Equal(reparsed))

		fromBytes, err := FromBytes(n.Bytes()[:])
		require.NoError(t, err)
		assert.True(t, n.Equal(fromBytes))
	})
}

func TestAliasValid(t *testing.T) {
	assert.True(t, Alias(0x123).Valid())
	assert.True(t, Alias(0).Valid())
	assert.True(t, Alias(0xFFE).Valid())
	assert.False(t, Alias(0xFFF).Valid())
	assert.False(t, Alias(0x1000).Valid())
}
