package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmutableIsDeterministic(t *testing.T) {
	a1 := Immutable([]byte("owner"), []byte("payload"))
	a2 := Immutable([]byte("owner"), []byte("payload"))
	assert.Equal(t, a1, a2)
	assert.False(t, a1.Mutable())
}

func TestImmutableDiffersOnPayload(t *testing.T) {
	a1 := Immutable([]byte("owner"), []byte("payload-a"))
	a2 := Immutable([]byte("owner"), []byte("payload-b"))
	assert.NotEqual(t, a1, a2)
}

func TestNamedDiffersFromImmutableForSameBytes(t *testing.T) {
	owner := []byte("owner")
	a1 := Immutable(owner, []byte("thename"))
	a2 := Named(owner, "thename")
	assert.NotEqual(t, a1, a2, "domain separator must distinguish named from immutable addressing")
}

func TestNewMutableSetsTag(t *testing.T) {
	a, err := NewMutable()
	require.NoError(t, err)
	assert.True(t, a.Mutable())
}

func TestHexRoundTrip(t *testing.T) {
	a := Immutable([]byte("o"), []byte("p"))
	s := a.String()
	back, err := FromHex(s)
	require.NoError(t, err)
	assert.Equal(t, a, back)
}

func TestFromHexRejectsWrongLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	assert.Error(t, err)
}

func TestLessIsATotalOrder(t *testing.T) {
	a := Address{0x01}
	b := Address{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}
