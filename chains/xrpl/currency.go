package xrpl

import (
	"encoding/hex"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// MaxBridgeableAmount is the largest value the bridge pallets can carry, the
// maximum unsigned 128-bit integer.
var MaxBridgeableAmount = sdkmath.NewUintFromString("340282366920938463463374607431768211455")

// ErrAmountOverflow is returned when a scaled amount exceeds the bridgeable
// range.
var ErrAmountOverflow = errors.New("amount exceeds the bridgeable range")

// NormalizeCurrencyCode maps a ledger currency code to the form used in
// configuration: standard 3-character codes pass through upper-cased,
// nonstandard 160-bit codes become a lower-case 0x-prefixed hex string.
func NormalizeCurrencyCode(code string) string {
	if len(code) == 3 {
		return strings.ToUpper(code)
	}
	if _, err := hex.DecodeString(code); err == nil && len(code) == 40 {
		return "0x" + strings.ToLower(code)
	}
	return code
}

// EncodeCurrencyCode is the inverse of NormalizeCurrencyCode, producing the
// code to place in an issued-currency amount.
func EncodeCurrencyCode(symbol string) string {
	if strings.HasPrefix(symbol, "0x") {
		return strings.ToUpper(strings.TrimPrefix(symbol, "0x"))
	}
	return symbol
}

// ScaleToUnits converts a decimal currency value into on-chain integer
// units, shifting by the token's configured decimals. Fractional remainders
// beyond the token's precision and values above the 128-bit range are
// rejected.
func ScaleToUnits(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid currency value %q", value)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, errors.Newf("value %q has more than %d decimal places", value, decimals)
	}
	if scaled.IsNegative() {
		return nil, errors.Newf("value %q is negative", value)
	}
	units := scaled.BigInt()
	// Compare as big.Int: NewUintFromBigInt panics above 256 bits, and the
	// scaled value is unbounded.
	if units.Cmp(MaxBridgeableAmount.BigInt()) > 0 {
		return nil, ErrAmountOverflow
	}
	return units, nil
}

// ScaleFromUnits renders on-chain integer units as the decimal value used in
// an issued-currency amount.
func ScaleFromUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}

// ParseDrops parses a drops string into an integer amount.
func ParseDrops(drops string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(drops, 10)
	if !ok {
		return nil, errors.Newf("invalid drops amount %q", drops)
	}
	if n.Sign() < 0 {
		return nil, errors.Newf("drops amount %q is negative", drops)
	}
	return n, nil
}
