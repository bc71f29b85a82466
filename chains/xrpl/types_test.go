package xrpl_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/xrpl"
)

func TestAmountUnmarshal(t *testing.T) {
	var drops xrpl.Amount
	require.NoError(t, json.Unmarshal([]byte(`"1000000"`), &drops))
	assert.True(t, drops.IsXRP())
	assert.Equal(t, "1000000", drops.Drops)

	var issued xrpl.Amount
	require.NoError(t, json.Unmarshal(
		[]byte(`{"currency":"USD","issuer":"rIssuer","value":"12.5"}`), &issued))
	assert.False(t, issued.IsXRP())
	assert.Equal(t, "USD", issued.Currency)
	assert.Equal(t, "rIssuer", issued.Issuer)
	assert.Equal(t, "12.5", issued.Value)

	var bad xrpl.Amount
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestTransactionMemos(t *testing.T) {
	raw := []byte(`{
		"TransactionType": "Payment",
		"Account": "rSender",
		"Memos": [
			{"Memo": {"MemoType": "41646472657373", "MemoData": "DEADBEEF"}},
			{"Memo": {"MemoData": "CAFE"}}
		],
		"hash": "ABCD"
	}`)
	var tx xrpl.Transaction
	require.NoError(t, json.Unmarshal(raw, &tx))

	assert.Equal(t, []string{"DEADBEEF", "CAFE"}, tx.MemoData())

	entries := tx.MemoEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "41646472657373", entries[0].MemoType)
	assert.Equal(t, "DEADBEEF", entries[0].MemoData)
	assert.Empty(t, entries[1].MemoType)
}

func TestAccountTxEntryLedgerIndex(t *testing.T) {
	raw := []byte(`{
		"tx": {
			"TransactionType": "Payment",
			"Account": "rSender",
			"Destination": "rDoor",
			"Amount": "500",
			"ledger_index": 7654321,
			"hash": "FF00"
		},
		"meta": {"TransactionResult": "tesSUCCESS"},
		"validated": true
	}`)
	var entry xrpl.AccountTxEntry
	require.NoError(t, json.Unmarshal(raw, &entry))

	assert.Equal(t, int64(7654321), entry.LedgerIndex)
	assert.True(t, entry.Validated)
	assert.Equal(t, "tesSUCCESS", entry.Meta.TransactionResult)
	assert.Equal(t, "rDoor", entry.Tx.Destination)
	require.NotNil(t, entry.Tx.Amount)
	assert.Equal(t, "500", entry.Tx.Amount.Drops)
}

func TestNFTokenOfferID(t *testing.T) {
	direct := xrpl.TxMeta{OfferID: "AA11"}
	assert.Equal(t, "AA11", direct.NFTokenOfferID())

	// Older servers omit meta.offer_id; the id comes from the created
	// NFTokenOffer ledger entry instead.
	var fromNodes xrpl.TxMeta
	require.NoError(t, json.Unmarshal([]byte(`{
		"TransactionResult": "tesSUCCESS",
		"AffectedNodes": [
			{"ModifiedNode": {"LedgerEntryType": "AccountRoot"}},
			{"CreatedNode": {"LedgerEntryType": "NFTokenOffer", "LedgerIndex": "BB22"}}
		]
	}`), &fromNodes))
	assert.Equal(t, "BB22", fromNodes.NFTokenOfferID())

	var none xrpl.TxMeta
	require.NoError(t, json.Unmarshal([]byte(`{
		"TransactionResult": "tesSUCCESS",
		"AffectedNodes": [{"ModifiedNode": {"LedgerEntryType": "AccountRoot"}}]
	}`), &none))
	assert.Empty(t, none.NFTokenOfferID())
}
