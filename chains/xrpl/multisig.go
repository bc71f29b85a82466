package xrpl

import (
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
)

// Signer is one multisig participant's signature over a door transaction.
type Signer struct {
	Account       string
	SigningPubKey string
	TxnSignature  string
}

// AssembleMultisigned attaches the collected signer entries to an unsigned
// transaction JSON, producing the tx_json accepted by submit_multisigned.
// Signers are ordered by account as the ledger requires.
func AssembleMultisigned(unsignedTx []byte, signers []Signer) (json.RawMessage, error) {
	if len(signers) == 0 {
		return nil, errors.New("no signers collected")
	}
	var tx map[string]any
	if err := json.Unmarshal(unsignedTx, &tx); err != nil {
		return nil, errors.Wrap(err, "failed to decode unsigned transaction")
	}

	sorted := make([]Signer, len(signers))
	copy(sorted, signers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Account < sorted[j].Account })

	entries := make([]map[string]any, 0, len(sorted))
	for _, s := range sorted {
		entries = append(entries, map[string]any{
			"Signer": map[string]any{
				"Account":       s.Account,
				"SigningPubKey": s.SigningPubKey,
				"TxnSignature":  s.TxnSignature,
			},
		})
	}
	tx["Signers"] = entries
	tx["SigningPubKey"] = ""

	out, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode multisigned transaction")
	}
	return out, nil
}
