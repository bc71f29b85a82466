package xrpl_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/xrpl"
)

func TestAssembleMultisigned(t *testing.T) {
	unsigned := []byte(`{
		"TransactionType": "Payment",
		"Account": "rDoorAccount",
		"Destination": "rRecipient",
		"Amount": "1000000",
		"SigningPubKey": "ED0123"
	}`)
	signers := []xrpl.Signer{
		{Account: "rZfar", SigningPubKey: "EDAA", TxnSignature: "SIGB"},
		{Account: "rAnear", SigningPubKey: "ED99", TxnSignature: "SIGA"},
	}

	out, err := xrpl.AssembleMultisigned(unsigned, signers)
	require.NoError(t, err)

	var tx struct {
		TransactionType string `json:"TransactionType"`
		Account         string `json:"Account"`
		Amount          string `json:"Amount"`
		SigningPubKey   string `json:"SigningPubKey"`
		Signers         []struct {
			Signer struct {
				Account      string `json:"Account"`
				TxnSignature string `json:"TxnSignature"`
			} `json:"Signer"`
		} `json:"Signers"`
	}
	require.NoError(t, json.Unmarshal(out, &tx))

	// Original fields survive, except the master key field, which the
	// ledger requires empty on a multisigned transaction.
	assert.Equal(t, "Payment", tx.TransactionType)
	assert.Equal(t, "rDoorAccount", tx.Account)
	assert.Equal(t, "1000000", tx.Amount)
	assert.Empty(t, tx.SigningPubKey)

	require.Len(t, tx.Signers, 2)
	assert.Equal(t, "rAnear", tx.Signers[0].Signer.Account)
	assert.Equal(t, "SIGA", tx.Signers[0].Signer.TxnSignature)
	assert.Equal(t, "rZfar", tx.Signers[1].Signer.Account)
}

func TestAssembleMultisignedNoSigners(t *testing.T) {
	_, err := xrpl.AssembleMultisigned([]byte(`{}`), nil)
	assert.ErrorContains(t, err, "no signers")
}

func TestAssembleMultisignedBadJSON(t *testing.T) {
	_, err := xrpl.AssembleMultisigned([]byte(`{`), []xrpl.Signer{{Account: "rA"}})
	assert.Error(t, err)
}
