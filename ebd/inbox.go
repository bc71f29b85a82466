package ebd

import (
	"context"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	substrateTypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/ethereum"
	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/models"
	"github.com/trncs/relayerd/relay"
)

// Known-benign rejections when replaying an Ethereum event on Root. A replay
// that was already processed, or is still pending, is not an error; neither
// is a transaction-pool priority race between redundant relayers.
var submitEventSkippable = []string{
	"EthBridge.EventReplayProcessed",
	"EthBridge.EventReplayPending",
	"Priority is too low",
}

// Inbox relays Ethereum deposits to the Root network: the Ethereum side
// observes bridge SendMessage logs and submits them as extrinsics, the Root
// side observes the pallet's terminal events and closes the tracking records.
type Inbox struct {
	cfg  *config.Config
	eth  *ethereum.Client
	root *root.Client

	ethSource  *ethereum.EventSource
	rootSource *root.EventSource
	ethDB      *relay.BatchDatabase
	rootDB     *relay.BatchDatabase

	// pegAddresses is the source allow-list, populated once per process
	// from Root chain storage.
	pegAddresses []common.Address

	logger *log.RelayLogger
}

func NewInbox(cfg *config.Config, deps *Deps) *Inbox {
	logger := deps.Logger.WithChannel("ebd", "inbox", "source", "eth")
	ethKey := relay.CheckpointKey("ebd", "inbox", "source", "eth")
	rootKey := relay.CheckpointKey("ebd", "inbox", "source", "root")
	return &Inbox{
		cfg:  cfg,
		eth:  deps.Eth,
		root: deps.Root,
		ethSource: ethereum.NewEventSource(
			deps.Eth,
			common.HexToAddress(cfg.Eth.BridgeContract),
			cfg.Eth.BlockDelay,
			cfg.Eth.PollInterval,
			logger,
		),
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, deps.Logger.WithChannel("ebd", "inbox", "source", "root")),
		ethDB:      relay.NewBatchDatabase(deps.DB, deps.Checkpoints, ethKey, logger),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, rootKey, logger),
		logger:     logger,
	}
}

// CheckpointKey returns the key the health endpoint should watch.
func (in *Inbox) CheckpointKey() string {
	return relay.CheckpointKey("ebd", "inbox", "source", "eth")
}

func (in *Inbox) Run(ctx context.Context) error {
	if err := in.loadPegAddresses(); err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return in.ethSource.Run(ctx, in.ethDB, in.handleEthBatch)
	})
	eg.Go(func() error {
		return in.rootSource.Run(ctx, in.rootDB, in.handleRootBlock)
	})
	return eg.Wait()
}

// loadPegAddresses caches the contract addresses the pallets accept messages
// from. The list is immutable for the process lifetime.
func (in *Inbox) loadPegAddresses() error {
	entries := []struct {
		pallet string
		method string
	}{
		{"Erc20Peg", "ContractAddress"},
		{"NftPeg", "ContractAddress"},
		{"EthBridge", "ContractAddress"},
	}
	for _, entry := range entries {
		var addr substrateTypes.H160
		ok, err := in.root.GetStorage(entry.pallet, entry.method, &addr)
		if err != nil {
			return errors.Wrapf(err, "failed to load %s.%s", entry.pallet, entry.method)
		}
		if !ok {
			continue
		}
		in.pegAddresses = append(in.pegAddresses, common.Address(addr))
	}
	if len(in.pegAddresses) == 0 {
		return errors.New("no peg contract addresses found on chain")
	}
	return nil
}

// handleEthBatch processes one confirmed log range, committing once per
// block so a crash reprocesses at most one block.
func (in *Inbox) handleEthBatch(ctx context.Context, tx *relay.TransactionHandle, logs []types.Log) error {
	var currentBlock int64
	for _, lg := range logs {
		if currentBlock != 0 && int64(lg.BlockNumber) != currentBlock {
			if err := tx.Commit(ctx, currentBlock); err != nil {
				return err
			}
		}
		currentBlock = int64(lg.BlockNumber)

		event, err := ethereum.DecodeSendMessage(lg)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		result, err := in.handleSendMessage(ctx, tx, lg, event)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("ebd.inbox.sendMessage", string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	if currentBlock != 0 {
		return tx.Commit(ctx, currentBlock)
	}
	return nil
}

func (in *Inbox) handleSendMessage(ctx context.Context, tx *relay.TransactionHandle, lg types.Log, event *ethereum.SendMessageEvent) (relay.Result, error) {
	logger := in.logger.WithHandler("sendMessage")

	if !containsAddress(in.pegAddresses, event.Source) {
		logger.Warn("skipping message from unknown source contract",
			"messageId", event.MessageID.String(), "source", event.Source.Hex(), "ethHash", event.TxHash.Hex())
		return relay.Skipped(relay.SkipInvalidSource), nil
	}

	sender, err := in.txSender(ctx, lg.TxHash)
	if err != nil {
		return relay.Result{}, err
	}
	if relay.StringInArray(sender.Hex(), in.cfg.Global.DevCallers) {
		logger.Info("skipping dev account deposit",
			"messageId", event.MessageID.String(), "sender", sender.Hex())
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	deposit := &models.TxDeposit{
		EthHash:     event.TxHash.Hex(),
		MessageID:   event.MessageID.Int64(),
		MessageFee:  event.Fee.String(),
		MessageData: common.Bytes2Hex(event.Message),
		From:        sender.Hex(),
		To:          event.Destination.Hex(),
		Status:      models.TxStatusProcessing,
	}
	if token, amount, _, ok := decodeErc20Message(event.Message); ok {
		deposit.Value = datatypes.NewJSONType(models.TokenValue{
			Amount:       amount.String(),
			TokenAddress: token.Hex(),
		})
	}
	tx.Push(relay.Upsert(deposit, []string{"eth_hash", "xrpl_hash"},
		[]string{"message_id", "message_fee", "message_data", "from", "to", "value", "status"}))

	eventData, err := rlp.EncodeToBytes(struct {
		Address common.Address
		Topics  []common.Hash
		Data    []byte
	}{lg.Address, lg.Topics, lg.Data})
	if err != nil {
		return relay.Result{}, errors.Wrap(err, "failed to encode event log")
	}

	call, err := in.root.NewCall("EthBridge.submit_event",
		substrateTypes.NewH256(event.TxHash.Bytes()), substrateTypes.NewBytes(eventData))
	if err != nil {
		return relay.Result{}, err
	}
	_, err = in.root.SubmitExtrinsic(ctx, call)
	if err != nil {
		if relay.MatchesAny(err.Error(), submitEventSkippable) {
			logger.Info("skipping already relayed deposit",
				"messageId", event.MessageID.String(), "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("root", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("root", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("root", "ok").Inc()
	logger.InfoContext(ctx, "relayed deposit to root",
		"messageId", event.MessageID.String(), "ethHash", event.TxHash.Hex())

	checkRootBalance(in.root, in.cfg.Root.MinXrpDrops, logger)
	return relay.Done(), nil
}

// handleRootBlock applies the pallet's lifecycle events to deposit records.
func (in *Inbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		var result relay.Result
		var err error
		switch ev.Name {
		case root.EventEthBridgeProcessingOk:
			result, err = in.handleProcessed(ctx, tx, ev, models.TxStatusProcessingOk)
		case root.EventEthBridgeProcessingFailed:
			result, err = in.handleProcessed(ctx, tx, ev, models.TxStatusProcessingFailed)
		case root.EventErc20PegDepositDelayed:
			result, err = in.handleDepositDelayed(ev)
		default:
			continue
		}
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("ebd.inbox."+ev.Name, string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	return tx.Commit(ctx, height)
}

func (in *Inbox) handleProcessed(ctx context.Context, tx *relay.TransactionHandle, ev *parser.Event, status models.TxStatus) (relay.Result, error) {
	messageID, err := root.MessageID(ev)
	if err != nil {
		return relay.Result{}, err
	}
	logger := in.logger.WithHandler(ev.Name)

	var deposit models.TxDeposit
	err = in.rootDB.DB().Where("message_id = ?", messageID).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("no deposit record for processed message", "messageId", messageID)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, errors.Wrap(err, "failed to look up deposit")
	}

	values := map[string]any{"status": status}
	if status == models.TxStatusProcessingOk && deposit.From == "" {
		// The sender can be unknown when the deposit was recorded from a
		// replayed event; recover it from the Ethereum receipt.
		if sender, err := in.txSender(ctx, common.HexToHash(deposit.EthHash)); err == nil {
			values["from"] = sender.Hex()
		}
	}
	tx.Push(relay.Update(&models.TxDeposit{}, values, "message_id = ?", messageID))
	logger.Info("deposit reached terminal status", "messageId", messageID, "status", string(status))
	return relay.Done(), nil
}

// handleDepositDelayed alerts operators; the record is left untouched and a
// later SendMessage replay moves it forward.
func (in *Inbox) handleDepositDelayed(ev *parser.Event) (relay.Result, error) {
	logger := in.logger.WithHandler(ev.Name)
	paymentID, _ := root.FieldUint(ev, "payment_id")
	amount, _ := root.FieldUint(ev, "amount")
	releaseAt, _ := root.FieldUint(ev, "scheduled_block")
	beneficiary, _ := root.FieldBytes(ev, "beneficiary")
	logger.Warn("deposit delayed by the chain",
		"paymentId", paymentID,
		"amount", amount,
		"releaseAtBlock", releaseAt,
		"beneficiary", common.BytesToAddress(beneficiary).Hex())
	return relay.Done(), nil
}

func (in *Inbox) txSender(ctx context.Context, hash common.Hash) (common.Address, error) {
	txn, _, err := in.eth.Eth().TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, errors.Wrapf(err, "failed to fetch transaction %s", hash.Hex())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(in.eth.ChainID()), txn)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover transaction sender")
	}
	return sender, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
