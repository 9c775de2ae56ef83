package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A int
	B string
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sample{A: 7, B: "hello"}
	data, err := Encode(Context{Version: Current}, in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Decode(Context{Version: Current}, data, &out))
	assert.Equal(t, in, out)
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	err := Decode(Context{Version: Current}, []byte{0x00}, &sample{})
	assert.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	data, err := Encode(Context{Version: Current}, sample{A: 1})
	require.NoError(t, err)
	data = append(data, 0xFF) // trailing garbage makes the prefix lie
	var out sample
	assert.Error(t, Decode(Context{Version: Current}, data, &out))
}

func TestWriteReadFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, sample{A: 3, B: "x"}))

	var out sample
	require.NoError(t, ReadFramed(&buf, &out))
	assert.Equal(t, sample{A: 3, B: "x"}, out)
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{Major: 0, Minor: 9}
	assert.True(t, v.AtLeast(0, 5))
	assert.True(t, v.AtLeast(0, 9))
	assert.False(t, v.AtLeast(0, 10))
	assert.False(t, v.AtLeast(1, 0))
}

func TestGates(t *testing.T) {
	old := Version{Major: 0, Minor: 4}
	newer := Version{Major: 0, Minor: 9}

	assert.False(t, QuorumValuesSupported(old))
	assert.True(t, QuorumValuesSupported(newer))
	assert.False(t, ConfirmMandatory(old))
	assert.True(t, ConfirmMandatory(newer))
	assert.False(t, InsertFlagSupported(old))
	assert.True(t, InsertFlagSupported(newer))
	assert.False(t, PropagateSupported(old))
	assert.True(t, PropagateSupported(newer))
}
