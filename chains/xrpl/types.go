package xrpl

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Amount is either a drops string (XRP) or an issued-currency object.
type Amount struct {
	Drops string

	Currency string
	Issuer   string
	Value    string
}

// IsXRP reports whether the amount is native XRP drops.
func (a Amount) IsXRP() bool {
	return a.Drops != ""
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var drops string
	if err := json.Unmarshal(data, &drops); err == nil {
		a.Drops = drops
		return nil
	}
	var issued struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &issued); err != nil {
		return errors.Wrap(err, "failed to decode amount")
	}
	a.Currency = issued.Currency
	a.Issuer = issued.Issuer
	a.Value = issued.Value
	return nil
}

// Memo is one entry of a transaction's Memos array, hex encoded per the
// ledger format.
type Memo struct {
	MemoType string `json:"MemoType,omitempty"`
	MemoData string `json:"MemoData,omitempty"`
}

type memoWrapper struct {
	Memo Memo `json:"Memo"`
}

// Transaction covers the fields of the transaction types the relayer
// inspects: Payment, NFTokenCreateOffer, NFTokenAcceptOffer, SignerListSet,
// TicketCreate.
type Transaction struct {
	TransactionType  string        `json:"TransactionType"`
	Account          string        `json:"Account"`
	Destination      string        `json:"Destination,omitempty"`
	Amount           *Amount       `json:"Amount,omitempty"`
	Memos            []memoWrapper `json:"Memos,omitempty"`
	Sequence         int64         `json:"Sequence,omitempty"`
	TicketSequence   int64         `json:"TicketSequence,omitempty"`
	NFTokenID        string        `json:"NFTokenID,omitempty"`
	NFTokenSellOffer string        `json:"NFTokenSellOffer,omitempty"`
	Flags            uint32        `json:"Flags,omitempty"`
	Hash             string        `json:"hash"`
}

// MemoData returns the decoded memo hex strings in order.
func (t *Transaction) MemoData() []string {
	out := make([]string, 0, len(t.Memos))
	for _, m := range t.Memos {
		out = append(out, m.Memo.MemoData)
	}
	return out
}

// MemoEntries returns the transaction's memos with their type fields intact.
func (t *Transaction) MemoEntries() []Memo {
	out := make([]Memo, 0, len(t.Memos))
	for _, m := range t.Memos {
		out = append(out, m.Memo)
	}
	return out
}

// TxMeta is the validated transaction metadata. DeliveredAmount is the
// amount actually delivered, which can differ from the Amount field on
// partial payments.
type TxMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   *Amount         `json:"delivered_amount,omitempty"`
	NFTokenID         string          `json:"nftoken_id,omitempty"`
	OfferID           string          `json:"offer_id,omitempty"`
	AffectedNodes     json.RawMessage `json:"AffectedNodes,omitempty"`
}

// NFTokenOfferID returns the ledger index of the NFTokenOffer entry the
// transaction created. Older servers omit meta.offer_id, in which case the
// id is recovered from the created-node list.
func (m *TxMeta) NFTokenOfferID() string {
	if m.OfferID != "" {
		return m.OfferID
	}
	var nodes []struct {
		CreatedNode struct {
			LedgerEntryType string `json:"LedgerEntryType"`
			LedgerIndex     string `json:"LedgerIndex"`
		} `json:"CreatedNode"`
	}
	if err := json.Unmarshal(m.AffectedNodes, &nodes); err != nil {
		return ""
	}
	for _, node := range nodes {
		if node.CreatedNode.LedgerEntryType == "NFTokenOffer" {
			return node.CreatedNode.LedgerIndex
		}
	}
	return ""
}

// AccountTxEntry is one element of an account_tx page.
type AccountTxEntry struct {
	Tx          Transaction `json:"tx"`
	Meta        TxMeta      `json:"meta"`
	Validated   bool        `json:"validated"`
	LedgerIndex int64       `json:"ledger_index"`
}

func (e *AccountTxEntry) UnmarshalJSON(data []byte) error {
	type alias struct {
		Tx        json.RawMessage `json:"tx"`
		Meta      TxMeta          `json:"meta"`
		Validated bool            `json:"validated"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if err := json.Unmarshal(a.Tx, &e.Tx); err != nil {
		return errors.Wrap(err, "failed to decode tx")
	}
	var ledger struct {
		LedgerIndex int64 `json:"ledger_index"`
	}
	if err := json.Unmarshal(a.Tx, &ledger); err == nil {
		e.LedgerIndex = ledger.LedgerIndex
	}
	e.Meta = a.Meta
	e.Validated = a.Validated
	return nil
}

// AccountTxResult is the account_tx response.
type AccountTxResult struct {
	Account        string           `json:"account"`
	LedgerIndexMin int64            `json:"ledger_index_min"`
	LedgerIndexMax int64            `json:"ledger_index_max"`
	Transactions   []AccountTxEntry `json:"transactions"`
	Marker         json.RawMessage  `json:"marker"`
}

// AccountInfoResult is the account_info response's account_data.
type AccountInfoResult struct {
	AccountData struct {
		Account     string `json:"Account"`
		Balance     string `json:"Balance"`
		Sequence    int64  `json:"Sequence"`
		TicketCount int64  `json:"TicketCount"`
	} `json:"account_data"`
	LedgerIndex int64 `json:"ledger_index"`
}

// TrustLine is one entry of an account_lines response.
type TrustLine struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Limit    string `json:"limit"`
}
