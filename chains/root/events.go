package root

import (
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
)

// Pallet event names observed on the Root network. Sources match on these to
// route a block's events to the right handler.
const (
	EventEthBridgeEventSend         = "EthBridge.EventSend"
	EventEthBridgeAuthoritySet      = "EthBridge.AuthoritySetChange"
	EventEthBridgeProofDelayed      = "EthBridge.ProofDelayed"
	EventEthBridgeProcessingOk      = "EthBridge.ProcessingOk"
	EventEthBridgeProcessingFailed  = "EthBridge.ProcessingFailed"
	EventErc20PegDepositDelayed     = "Erc20Peg.Erc20DepositDelayed"
	EventErc20PegWithdrawalDelayed  = "Erc20Peg.Erc20WithdrawalDelayed"
	EventErc20PegWithdraw           = "Erc20Peg.Erc20Withdraw"
	EventXrplBridgeProcessingOk     = "XRPLBridge.ProcessingOk"
	EventXrplBridgeProcessingFailed = "XRPLBridge.ProcessingFailed"
	EventXrplBridgeWithdrawRequest  = "XRPLBridge.WithdrawRequest"
	EventXrplBridgeWithdrawDelayed  = "XRPLBridge.WithdrawDelayed"
	EventXrplBridgeTicketThreshold  = "XRPLBridge.TicketSequenceThresholdReached"
	EventXls20MintRequest           = "Xls20.Xls20MintRequest"
	EventNftBridgedMint             = "Nft.BridgedMint"
)

// EventProofResponse is the ethy_getEventProof RPC payload.
type EventProofResponse struct {
	EventID        uint64   `json:"eventId"`
	ValidatorSetID uint64   `json:"validatorSetId"`
	Signatures     []string `json:"signatures"`
	Validators     []string `json:"validators"`
	BlockHash      string   `json:"blockHash"`
}

// XrplSigner is one validator's attestation over a door transaction.
type XrplSigner struct {
	Account       string `json:"account"`
	SigningPubKey string `json:"publicKey"`
	TxnSignature  string `json:"signature"`
}

// XrplProofResponse is the ethy_getXrplTxProof RPC payload.
type XrplProofResponse struct {
	EventID    uint64       `json:"eventId"`
	Signatures []XrplSigner `json:"signatures"`
	BlockHash  string       `json:"blockHash"`
}

// EventSend is the canonical decode of EthBridge.EventSend, the outbound
// message requesting replay on Ethereum.
type EventSend struct {
	EventProofID uint64
	Source       []byte
	Destination  []byte
	Message      []byte
}

// WithdrawRequest is the canonical decode of XRPLBridge.WithdrawRequest,
// carrying the serialized door transaction awaiting multisig proof.
type WithdrawRequest struct {
	ProofID     uint64
	Sender      []byte
	Destination string
	TxBlob      string
	Amount      *big.Int
}

// Xls20MintRequest is the canonical decode of Xls20.Xls20MintRequest.
// TokenURIs runs parallel to SerialNumbers.
type Xls20MintRequest struct {
	CollectionID  uint32
	SerialNumbers []uint32
	TokenURIs     []string
}

func DecodeEventSend(ev *parser.Event) (*EventSend, error) {
	proofID, err := fieldUint(ev.Fields, "event_proof_id")
	if err != nil {
		return nil, err
	}
	source, _ := fieldBytes(ev.Fields, "source")
	destination, _ := fieldBytes(ev.Fields, "destination")
	message, err := fieldBytes(ev.Fields, "message")
	if err != nil {
		return nil, err
	}
	return &EventSend{
		EventProofID: proofID,
		Source:       source,
		Destination:  destination,
		Message:      message,
	}, nil
}

func DecodeWithdrawRequest(ev *parser.Event) (*WithdrawRequest, error) {
	proofID, err := fieldUint(ev.Fields, "proof_id")
	if err != nil {
		return nil, err
	}
	sender, _ := fieldBytes(ev.Fields, "sender")
	destination, _ := fieldBytes(ev.Fields, "destination")
	blob, err := fieldBytes(ev.Fields, "tx_blob")
	if err != nil {
		return nil, err
	}
	req := &WithdrawRequest{
		ProofID:     proofID,
		Sender:      sender,
		Destination: string(destination),
		TxBlob:      string(blob),
	}
	if amount, err := fieldUint(ev.Fields, "amount"); err == nil {
		req.Amount = new(big.Int).SetUint64(amount)
	}
	return req, nil
}

func DecodeXls20MintRequest(ev *parser.Event) (*Xls20MintRequest, error) {
	collection, err := fieldUint(ev.Fields, "collection_id")
	if err != nil {
		return nil, err
	}
	serials, err := fieldUintSlice(ev.Fields, "serial_numbers")
	if err != nil {
		return nil, err
	}
	req := &Xls20MintRequest{CollectionID: uint32(collection)}
	for _, s := range serials {
		req.SerialNumbers = append(req.SerialNumbers, uint32(s))
	}
	if v, err := fieldByName(ev.Fields, "token_uris"); err == nil {
		if items, ok := v.([]any); ok {
			for _, item := range items {
				raw, err := toBytes(item)
				if err != nil {
					return nil, err
				}
				req.TokenURIs = append(req.TokenURIs, string(raw))
			}
		}
	}
	return req, nil
}

// MessageID extracts the event-claim identifier shared by the deposit
// lifecycle events, whichever field name the runtime uses for it.
func MessageID(ev *parser.Event) (int64, error) {
	for _, name := range []string{"event_claim_id", "message_id", "claim_id"} {
		if id, err := fieldUint(ev.Fields, name); err == nil {
			return int64(id), nil
		}
	}
	return 0, errors.Newf("event %s carries no claim id", ev.Name)
}

// FieldUint reads a named unsigned-integer field off a decoded event.
func FieldUint(ev *parser.Event, name string) (uint64, error) {
	return fieldUint(ev.Fields, name)
}

// FieldBytes reads a named byte-sequence field off a decoded event.
func FieldBytes(ev *parser.Event, name string) ([]byte, error) {
	return fieldBytes(ev.Fields, name)
}

// FieldBig reads a named unsigned-integer field as a big.Int, preserving
// 128-bit amounts that do not fit a uint64.
func FieldBig(ev *parser.Event, name string) (*big.Int, error) {
	v, err := fieldByName(ev.Fields, name)
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case types.U128:
		return new(big.Int).Set(n.Int), nil
	case types.UCompact:
		bi := big.Int(n)
		return new(big.Int).Set(&bi), nil
	default:
		u, err := toUint(v)
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(u), nil
	}
}

type dispatchModuleError struct {
	index      uint8
	errorIndex uint8
}

// moduleError extracts the pallet index and error index out of a
// System.ExtrinsicFailed event's dispatch_error field.
func moduleError(ev *parser.Event) (dispatchModuleError, bool) {
	fields := flattenFields(ev.Fields)
	index, okIndex := fields["index"]
	errField, okErr := fields["error"]
	if !okIndex || !okErr {
		return dispatchModuleError{}, false
	}
	moduleIndex, err := toUint(index)
	if err != nil {
		return dispatchModuleError{}, false
	}
	// The error index is the first byte of a [4]u8 on modern runtimes, a
	// plain u8 on older ones.
	errorIndex, err := toUint(errField)
	if err != nil {
		raw, rawErr := toBytes(errField)
		if rawErr != nil || len(raw) == 0 {
			return dispatchModuleError{}, false
		}
		errorIndex = uint64(raw[0])
	}
	return dispatchModuleError{index: uint8(moduleIndex), errorIndex: uint8(errorIndex)}, true
}

func fieldByName(fields registry.DecodedFields, name string) (any, error) {
	flat := flattenFields(fields)
	if v, ok := flat[name]; ok {
		return v, nil
	}
	return nil, errors.Newf("field %q not found", name)
}

// flattenFields indexes a decoded field tree by the trailing segment of each
// field name. Registry names can be dotted paths depending on the runtime's
// type registration.
func flattenFields(fields registry.DecodedFields) map[string]any {
	flat := make(map[string]any)
	var walk func(fs registry.DecodedFields)
	walk = func(fs registry.DecodedFields) {
		for _, f := range fs {
			if f == nil {
				continue
			}
			name := f.Name
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			if _, seen := flat[name]; !seen {
				flat[name] = f.Value
			}
			if nested, ok := f.Value.(registry.DecodedFields); ok {
				walk(nested)
			}
		}
	}
	walk(fields)
	return flat
}

func fieldUint(fields registry.DecodedFields, name string) (uint64, error) {
	v, err := fieldByName(fields, name)
	if err != nil {
		return 0, err
	}
	return toUint(v)
}

func fieldBytes(fields registry.DecodedFields, name string) ([]byte, error) {
	v, err := fieldByName(fields, name)
	if err != nil {
		return nil, err
	}
	return toBytes(v)
}

func fieldUintSlice(fields registry.DecodedFields, name string) ([]uint64, error) {
	v, err := fieldByName(fields, name)
	if err != nil {
		return nil, err
	}
	slice, ok := v.([]any)
	if !ok {
		return nil, errors.Newf("field %q is not a sequence", name)
	}
	out := make([]uint64, 0, len(slice))
	for _, item := range slice {
		n, err := toUint(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func toUint(v any) (uint64, error) {
	switch n := v.(type) {
	case types.U8:
		return uint64(n), nil
	case types.U16:
		return uint64(n), nil
	case types.U32:
		return uint64(n), nil
	case types.U64:
		return uint64(n), nil
	case types.U128:
		return n.Uint64(), nil
	case types.UCompact:
		bi := big.Int(n)
		return bi.Uint64(), nil
	case uint8:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, errors.Newf("value %T is not an unsigned integer", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case types.Bytes:
		return []byte(b), nil
	case []byte:
		return b, nil
	case types.AccountID:
		return b[:], nil
	case types.H160:
		return b[:], nil
	case types.H256:
		return b[:], nil
	case []any:
		out := make([]byte, 0, len(b))
		for _, item := range b {
			n, err := toUint(item)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(n))
		}
		return out, nil
	default:
		return nil, errors.Newf("value %T is not a byte sequence", v)
	}
}
