package xbd

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

func decodeLogger(t *testing.T) *log.RelayLogger {
	t.Helper()
	require.NoError(t, log.InitLogger("DEBUG", "text", "stderr", ""))
	return log.GetLogger()
}

func TestDecodeAddressMemo(t *testing.T) {
	addr := "0x72ee785458b89d5ec64bec8410c958602e6f7673"
	encoded := hex.EncodeToString([]byte(addr))
	padded := hex.EncodeToString([]byte("  " + addr + "\n"))

	cases := []struct {
		name   string
		memos  []string
		want   string
		wantOK bool
	}{
		{"plain address", []string{encoded}, addr, true},
		{"surrounding whitespace trimmed", []string{padded}, addr, true},
		{"first decodable memo wins", []string{"zzzz", encoded}, addr, true},
		{"not an address", []string{hex.EncodeToString([]byte("hello"))}, "", false},
		{"missing 0x prefix", []string{hex.EncodeToString([]byte("72ee785458b89d5ec64bec8410c958602e6f7673ab"))}, "", false},
		{"no memos", nil, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := decodeAddressMemo(tc.memos)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeValueXRP(t *testing.T) {
	in := &Inbox{
		cfg:    &config.Config{Xrpl: config.XrplConfig{MinAmountThreshold: 1000}},
		logger: decodeLogger(t),
	}
	to := "0x72ee785458b89d5ec64bec8410c958602e6f7673"

	value, txData, result, err := in.decodeValue(xrpl.Amount{Drops: "5000000"}, to, "AA11", in.logger)
	require.NoError(t, err)
	assert.False(t, result.Skipped())
	assert.Equal(t, "5000000", value.Amount)
	assert.Equal(t, "XRP", value.TokenName)
	assert.True(t, txData.IsPayment)

	// Below the dust cutoff.
	_, _, result, err = in.decodeValue(xrpl.Amount{Drops: "999"}, to, "AA11", in.logger)
	require.NoError(t, err)
	assert.Equal(t, relay.SkipBelowThreshold, result.Reason)
}

func TestDecodeValueIssuedCurrency(t *testing.T) {
	in := &Inbox{
		cfg: &config.Config{Xrpl: config.XrplConfig{
			Currencies: map[string]config.Currency{
				"usd": {
					Symbol:   "USD",
					Decimals: 6,
					Issuer:   "0x000000000000000000000000000000000000aaaa",
				},
				"0x524f4f5400000000000000000000000000000000": {
					Symbol:   "524F4F5400000000000000000000000000000000",
					Decimals: 6,
					Issuer:   "0x000000000000000000000000000000000000bbbb",
				},
			},
		}},
		logger: decodeLogger(t),
	}
	to := "0x72ee785458b89d5ec64bec8410c958602e6f7673"

	value, txData, result, err := in.decodeValue(
		xrpl.Amount{Currency: "USD", Issuer: "rIssuer", Value: "12.5"}, to, "BB22", in.logger)
	require.NoError(t, err)
	assert.False(t, result.Skipped())
	assert.Equal(t, "12500000", value.Amount)
	assert.Equal(t, "USD", value.TokenName)
	assert.True(t, txData.IsCurrencyPayment)

	// Nonstandard codes surface with a 0x prefix; the pallet payload carries
	// the bare ledger form.
	value, txData, result, err = in.decodeValue(
		xrpl.Amount{Currency: "524F4F5400000000000000000000000000000000", Issuer: "rIssuer", Value: "1"},
		to, "BB22", in.logger)
	require.NoError(t, err)
	assert.False(t, result.Skipped())
	assert.Equal(t, "0x524F4F5400000000000000000000000000000000", value.TokenName)
	assert.Equal(t, "524F4F5400000000000000000000000000000000",
		string(txData.AsCurrencyPayment.Currency.Symbol))

	_, _, result, err = in.decodeValue(
		xrpl.Amount{Currency: "EUR", Issuer: "rIssuer", Value: "1"}, to, "BB22", in.logger)
	require.NoError(t, err)
	assert.Equal(t, relay.SkipUnsupportedCurrency, result.Reason)

	_, _, result, err = in.decodeValue(
		xrpl.Amount{Currency: "USD", Issuer: "rIssuer", Value: "340282366920938463463374607431768211456"},
		to, "BB22", in.logger)
	require.NoError(t, err)
	assert.Equal(t, relay.SkipAmountOverflow, result.Reason)
}

func TestDecodeValueMalformedDestination(t *testing.T) {
	in := &Inbox{
		cfg:    &config.Config{Xrpl: config.XrplConfig{MinAmountThreshold: 1}},
		logger: decodeLogger(t),
	}
	_, _, _, err := in.decodeValue(xrpl.Amount{Drops: "100"}, "not-an-address", "CC33", in.logger)
	assert.Error(t, err)
}
