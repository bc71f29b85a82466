package root_test

import (
	"math/big"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/chains/root"
)

func event(name string, fields ...*registry.DecodedField) *parser.Event {
	return &parser.Event{Name: name, Fields: fields}
}

func field(name string, value any) *registry.DecodedField {
	return &registry.DecodedField{Name: name, Value: value}
}

func TestDecodeEventSend(t *testing.T) {
	ev := event(root.EventEthBridgeEventSend,
		field("event_proof_id", types.NewU64(77)),
		field("source", types.Bytes{0x11, 0x22}),
		field("destination", types.Bytes{0x33, 0x44}),
		field("message", types.Bytes{0xDE, 0xAD, 0xBE, 0xEF}),
	)

	send, err := root.DecodeEventSend(ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), send.EventProofID)
	assert.Equal(t, []byte{0x11, 0x22}, send.Source)
	assert.Equal(t, []byte{0x33, 0x44}, send.Destination)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, send.Message)
}

func TestDecodeEventSendMissingMessage(t *testing.T) {
	ev := event(root.EventEthBridgeEventSend,
		field("event_proof_id", types.NewU64(77)),
	)
	_, err := root.DecodeEventSend(ev)
	assert.Error(t, err)
}

func TestDecodeWithdrawRequest(t *testing.T) {
	ev := event(root.EventXrplBridgeWithdrawRequest,
		field("proof_id", types.NewU64(9)),
		field("sender", types.Bytes{0xAA}),
		field("destination", types.Bytes("rDestination")),
		field("tx_blob", types.Bytes(`{"TransactionType":"Payment"}`)),
		field("amount", types.NewU128(*big.NewInt(1000000))),
	)

	req, err := root.DecodeWithdrawRequest(ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), req.ProofID)
	assert.Equal(t, "rDestination", req.Destination)
	assert.Equal(t, `{"TransactionType":"Payment"}`, req.TxBlob)
	require.NotNil(t, req.Amount)
	assert.Equal(t, uint64(1000000), req.Amount.Uint64())
}

func TestDecodeXls20MintRequest(t *testing.T) {
	ev := event(root.EventXls20MintRequest,
		field("collection_id", types.NewU32(4388)),
		field("serial_numbers", []any{types.NewU32(1), types.NewU32(2)}),
		field("token_uris", []any{
			types.Bytes("ipfs://one"),
			types.Bytes("ipfs://two"),
		}),
	)

	req, err := root.DecodeXls20MintRequest(ev)
	require.NoError(t, err)
	assert.Equal(t, uint32(4388), req.CollectionID)
	assert.Equal(t, []uint32{1, 2}, req.SerialNumbers)
	assert.Equal(t, []string{"ipfs://one", "ipfs://two"}, req.TokenURIs)
}

func TestDecodeXls20MintRequestNoURIs(t *testing.T) {
	ev := event(root.EventXls20MintRequest,
		field("collection_id", types.NewU32(1)),
		field("serial_numbers", []any{types.NewU32(5)}),
	)

	req, err := root.DecodeXls20MintRequest(ev)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, req.SerialNumbers)
	assert.Empty(t, req.TokenURIs)
}

func TestMessageID(t *testing.T) {
	// Runtimes disagree on the claim-id field name.
	for _, name := range []string{"event_claim_id", "message_id", "claim_id"} {
		ev := event(root.EventEthBridgeProcessingOk, field(name, types.NewU64(321)))
		id, err := root.MessageID(ev)
		require.NoError(t, err, name)
		assert.Equal(t, int64(321), id)
	}

	_, err := root.MessageID(event(root.EventEthBridgeProcessingOk))
	assert.Error(t, err)
}

func TestFieldLookupFlattensDottedNames(t *testing.T) {
	ev := event(root.EventEthBridgeProcessingOk,
		field("pallet_ethy.types.EventClaimId.event_claim_id", types.NewU64(55)),
	)
	id, err := root.FieldUint(ev, "event_claim_id")
	require.NoError(t, err)
	assert.Equal(t, uint64(55), id)
}

func TestFieldLookupWalksNestedFields(t *testing.T) {
	ev := event(root.EventEthBridgeProcessingOk,
		field("outer", registry.DecodedFields{
			field("inner_bytes", types.Bytes{0x01, 0x02}),
		}),
	)
	raw, err := root.FieldBytes(ev, "inner_bytes")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, raw)
}

func TestFieldBytesFromByteSlice(t *testing.T) {
	ev := event(root.EventEthBridgeEventSend,
		field("message", []any{types.NewU8(0xAB), types.NewU8(0xCD)}),
	)
	raw, err := root.FieldBytes(ev, "message")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, raw)
}
