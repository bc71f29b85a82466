package xrpl_test

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/xrpl"
)

func TestNormalizeCurrencyCode(t *testing.T) {
	cases := []struct {
		name string
		code string
		want string
	}{
		{"standard upper-cased", "usd", "USD"},
		{"standard passthrough", "XRP", "XRP"},
		{"nonstandard hex lowered", "524F4F5400000000000000000000000000000000", "0x524f4f5400000000000000000000000000000000"},
		{"non-hex left alone", "not-a-currency", "not-a-currency"},
		{"wrong-length hex left alone", "524F4F54", "524F4F54"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, xrpl.NormalizeCurrencyCode(tc.code))
		})
	}
}

func TestEncodeCurrencyCode(t *testing.T) {
	assert.Equal(t, "USD", xrpl.EncodeCurrencyCode("USD"))
	assert.Equal(t,
		"524F4F5400000000000000000000000000000000",
		xrpl.EncodeCurrencyCode("0x524f4f5400000000000000000000000000000000"))
}

func TestScaleToUnits(t *testing.T) {
	units, err := xrpl.ScaleToUnits("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(12500000), units)

	units, err = xrpl.ScaleToUnits("0.000001", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), units)

	_, err = xrpl.ScaleToUnits("0.0000001", 6)
	assert.ErrorContains(t, err, "decimal places")

	_, err = xrpl.ScaleToUnits("-1", 6)
	assert.ErrorContains(t, err, "negative")

	_, err = xrpl.ScaleToUnits("not a number", 6)
	assert.Error(t, err)

	// One above the 128-bit ceiling.
	_, err = xrpl.ScaleToUnits("340282366920938463463374607431768211456", 0)
	assert.ErrorIs(t, err, xrpl.ErrAmountOverflow)

	// Far above 256 bits, where a Uint conversion would not be representable.
	_, err = xrpl.ScaleToUnits("1"+strings.Repeat("0", 100), 18)
	assert.ErrorIs(t, err, xrpl.ErrAmountOverflow)
}

func TestScaleFromUnits(t *testing.T) {
	assert.Equal(t, "12.5", xrpl.ScaleFromUnits(big.NewInt(12500000), 6))
	assert.Equal(t, "0.000001", xrpl.ScaleFromUnits(big.NewInt(1), 6))
	assert.Equal(t, "42", xrpl.ScaleFromUnits(big.NewInt(42), 0))
}

func TestParseDrops(t *testing.T) {
	n, err := xrpl.ParseDrops("1000000")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000000), n)

	_, err = xrpl.ParseDrops("-5")
	assert.Error(t, err)

	_, err = xrpl.ParseDrops("1.5")
	assert.Error(t, err)
}
