package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	a, err := Compute("ethereum", "eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)
	b, err := Compute("ethereum", "eth_getBalance", []any{"0xabc", "latest"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	// Canonicalization sorts object keys, so logically equal params
	// produce the same fingerprint.
	a, err := Compute("ethereum", "eth_call", map[string]any{"to": "0x1", "data": "0x2"})
	require.NoError(t, err)
	b, err := Compute("ethereum", "eth_call", map[string]any{"data": "0x2", "to": "0x1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCompute_DistinguishesInputs(t *testing.T) {
	base, err := Compute("ethereum", "eth_getBalance", []any{"0xabc"})
	require.NoError(t, err)

	otherChain, err := Compute("polygon", "eth_getBalance", []any{"0xabc"})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherChain)

	otherMethod, err := Compute("ethereum", "eth_getCode", []any{"0xabc"})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherMethod)

	otherParams, err := Compute("ethereum", "eth_getBalance", []any{"0xdef"})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherParams)
}

func TestCompute_LargeIntegersKeepPrecision(t *testing.T) {
	// 2^53 and 2^53+1 collapse onto one float64; the canonical form
	// must keep them apart.
	a, err := Compute("ethereum", "eth_getBalance", []any{json.RawMessage(`9007199254740992`)})
	require.NoError(t, err)
	b, err := Compute("ethereum", "eth_getBalance", []any{json.RawMessage(`9007199254740993`)})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCompute_NilParams(t *testing.T) {
	a, err := Compute("ethereum", "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a)
}

func TestCompute_UnmarshalableParams(t *testing.T) {
	_, err := Compute("ethereum", "eth_call", make(chan int))
	assert.Error(t, err)
}
