package xls20d

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/xrpl"
)

func TestRequestNonceRoundTrip(t *testing.T) {
	nonce := requestNonce(4388, 17)
	assert.Equal(t, "4388_17", nonce)

	collection, serial, err := parseRequestNonce(nonce)
	require.NoError(t, err)
	assert.Equal(t, uint32(4388), collection)
	assert.Equal(t, uint32(17), serial)
}

func TestParseRequestNonceMalformed(t *testing.T) {
	for _, nonce := range []string{"", "4388", "4388_", "_17", "a_b", "4388_5000000000"} {
		_, _, err := parseRequestNonce(nonce)
		assert.Error(t, err, nonce)
	}
}

func TestMemoValue(t *testing.T) {
	memos := []xrpl.Memo{
		{MemoType: hexString("Other"), MemoData: hexString("ignored")},
		{MemoType: hexString("RequestNonce"), MemoData: hexString("4388_17")},
	}

	value, ok := memoValue(memos, "RequestNonce")
	require.True(t, ok)
	assert.Equal(t, "4388_17", value)

	// An empty type takes the first decodable memo.
	value, ok = memoValue(memos, "")
	require.True(t, ok)
	assert.Equal(t, "ignored", value)

	_, ok = memoValue(memos, "Address")
	assert.False(t, ok)

	_, ok = memoValue(nil, "")
	assert.False(t, ok)

	// Undecodable data is passed over.
	value, ok = memoValue([]xrpl.Memo{
		{MemoData: "zzzz"},
		{MemoData: hexString(" padded \n")},
	}, "")
	require.True(t, ok)
	assert.Equal(t, "padded", value)
}

func TestHexString(t *testing.T) {
	assert.Equal(t, "526571756573744E6F6E6365", hexString("RequestNonce"))

	raw, err := hex.DecodeString(hexString("4388_17"))
	require.NoError(t, err)
	assert.Equal(t, "4388_17", string(raw))
}
