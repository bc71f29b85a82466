package ethereum

import (
	"context"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trncs/relayerd/log"
)

// Bridge contract surface used by the relayer. SendMessage fires on the
// deposit path, MessageReceived on the withdrawal path, and receiveMessage
// replays a finalized event together with its validator proof.
const bridgeABIJSON = `[
	{"type":"event","name":"SendMessage","inputs":[
		{"name":"messageId","type":"uint256","indexed":true},
		{"name":"source","type":"address","indexed":false},
		{"name":"destination","type":"address","indexed":false},
		{"name":"message","type":"bytes","indexed":false},
		{"name":"fee","type":"uint256","indexed":false}]},
	{"type":"event","name":"MessageReceived","inputs":[
		{"name":"eventId","type":"uint256","indexed":true},
		{"name":"source","type":"address","indexed":false},
		{"name":"destination","type":"address","indexed":false},
		{"name":"message","type":"bytes","indexed":false}]},
	{"type":"function","name":"bridgeFee","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"sendMessageFee","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"receiveMessage","stateMutability":"payable","inputs":[
		{"name":"source","type":"address"},
		{"name":"destination","type":"address"},
		{"name":"appMessage","type":"bytes"},
		{"name":"proof","type":"tuple","components":[
			{"name":"eventId","type":"uint256"},
			{"name":"validatorSetId","type":"uint32"},
			{"name":"v","type":"uint8[]"},
			{"name":"r","type":"bytes32[]"},
			{"name":"s","type":"bytes32[]"},
			{"name":"validators","type":"address[]"}]}],
		"outputs":[]}
]`

var bridgeABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		panic(err)
	}
	bridgeABI = parsed
}

// SendMessageEvent is the canonical decode of the bridge's SendMessage log.
type SendMessageEvent struct {
	MessageID   *big.Int
	Source      common.Address
	Destination common.Address
	Message     []byte
	Fee         *big.Int

	TxHash common.Hash
	Block  int64
}

// MessageReceivedEvent is the canonical decode of the MessageReceived log.
type MessageReceivedEvent struct {
	EventID     *big.Int
	Source      common.Address
	Destination common.Address
	Message     []byte

	TxHash common.Hash
	Block  int64
}

// EventProof carries the validator attestation of a finalized bridge event,
// split into the signature components the contract verifies.
type EventProof struct {
	EventID        *big.Int
	ValidatorSetID uint32
	V              []uint8
	R              [][32]byte
	S              [][32]byte
	Validators     []common.Address
}

// DecodeSendMessage returns the decoded event, or nil when lg is a different
// topic.
func DecodeSendMessage(lg types.Log) (*SendMessageEvent, error) {
	ev := bridgeABI.Events["SendMessage"]
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return nil, nil
	}
	var decoded struct {
		Source      common.Address
		Destination common.Address
		Message     []byte
		Fee         *big.Int
	}
	if err := bridgeABI.UnpackIntoInterface(&decoded, "SendMessage", lg.Data); err != nil {
		return nil, errors.Wrap(err, "failed to decode SendMessage log")
	}
	return &SendMessageEvent{
		MessageID:   new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Source:      decoded.Source,
		Destination: decoded.Destination,
		Message:     decoded.Message,
		Fee:         decoded.Fee,
		TxHash:      lg.TxHash,
		Block:       int64(lg.BlockNumber),
	}, nil
}

// DecodeMessageReceived returns the decoded event, or nil when lg is a
// different topic.
func DecodeMessageReceived(lg types.Log) (*MessageReceivedEvent, error) {
	ev := bridgeABI.Events["MessageReceived"]
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return nil, nil
	}
	var decoded struct {
		Source      common.Address
		Destination common.Address
		Message     []byte
	}
	if err := bridgeABI.UnpackIntoInterface(&decoded, "MessageReceived", lg.Data); err != nil {
		return nil, errors.Wrap(err, "failed to decode MessageReceived log")
	}
	return &MessageReceivedEvent{
		EventID:     new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Source:      decoded.Source,
		Destination: decoded.Destination,
		Message:     decoded.Message,
		TxHash:      lg.TxHash,
		Block:       int64(lg.BlockNumber),
	}, nil
}

// Bridge submits transactions to the bridge contract on behalf of the
// relayer key.
type Bridge struct {
	client        *Client
	contract      common.Address
	bound         *bind.BoundContract
	gasMultiplier float64
	logger        *log.RelayLogger
}

func NewBridge(client *Client, contract common.Address, gasMultiplier float64, logger *log.RelayLogger) *Bridge {
	return &Bridge{
		client:        client,
		contract:      contract,
		bound:         bind.NewBoundContract(contract, bridgeABI, client.Eth(), client.Eth(), client.Eth()),
		gasMultiplier: gasMultiplier,
		logger:        logger,
	}
}

// BridgeFee queries the fee the contract charges for receiveMessage.
func (b *Bridge) BridgeFee(ctx context.Context) (*big.Int, error) {
	var out []any
	if err := b.bound.Call(&bind.CallOpts{Context: ctx}, &out, "bridgeFee"); err != nil {
		return nil, errors.Wrap(err, "failed to query bridgeFee")
	}
	return out[0].(*big.Int), nil
}

// ReceiveMessage replays a finalized outbound event on Ethereum and waits for
// the transaction to be mined. The returned hash is valid even on a reverted
// receipt; the caller inspects the error for skippable revert reasons.
func (b *Bridge) ReceiveMessage(ctx context.Context, source, destination common.Address, message []byte, proof EventProof) (common.Hash, error) {
	fee, err := b.BridgeFee(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return b.transact(ctx, fee, "receiveMessage", source, destination, message, proof)
}

func (b *Bridge) transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	data, err := bridgeABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to pack %s", method)
	}
	gas, err := b.client.Eth().EstimateGas(ctx, ethereum.CallMsg{
		From:  b.client.Address(),
		To:    &b.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to estimate gas for %s", method)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(b.client.key, b.client.ChainID())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to build transactor")
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = uint64(float64(gas) * b.gasMultiplier)

	txn, err := b.bound.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to submit %s", method)
	}
	b.logger.InfoContext(ctx, "submitted ethereum transaction", "method", method, "hash", txn.Hash().Hex(), "gas", opts.GasLimit)

	receipt, err := bind.WaitMined(ctx, b.client.Eth(), txn)
	if err != nil {
		return txn.Hash(), errors.Wrapf(err, "failed waiting for %s receipt", method)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return txn.Hash(), errors.Newf("transaction %s reverted", txn.Hash().Hex())
	}
	return txn.Hash(), nil
}
