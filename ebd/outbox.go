package ebd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/cockroachdb/errors"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
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

// Rejections that mean the event was already replayed, or the amount cannot
// be represented on the destination side. Both are final for this event and
// safe to skip.
var receiveMessageSkippable = []string{
	"Bridge: eventId replayed",
	"value out of range",
}

// Module addresses the Root pallets author EventSend requests from. The
// source address selects the handler.
var (
	bridgePalletAddress = common.HexToAddress("0x6D6f646C65746879627264670000000000000000")
	erc20PegAddress     = common.HexToAddress("0x6D6f646c65726332307065670000000000000000")
	erc721PegAddress    = common.HexToAddress("0x6D6F646c726e2F6E667470670000000000000000")
)

// Outbox relays Root-originated withdrawals to Ethereum: the Root side
// observes EventSend signing requests and replays them on the bridge
// contract with their validator proof, the Ethereum side observes
// MessageReceived confirmations and closes the tracking records.
type Outbox struct {
	cfg    *config.Config
	eth    *ethereum.Client
	root   *root.Client
	bridge *ethereum.Bridge

	rootSource *root.EventSource
	ethSource  *ethereum.EventSource
	rootDB     *relay.BatchDatabase
	ethDB      *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewOutbox(cfg *config.Config, deps *Deps) *Outbox {
	logger := deps.Logger.WithChannel("ebd", "outbox", "source", "root")
	contract := common.HexToAddress(cfg.Eth.BridgeContract)
	return &Outbox{
		cfg:        cfg,
		eth:        deps.Eth,
		root:       deps.Root,
		bridge:     ethereum.NewBridge(deps.Eth, contract, cfg.Eth.GasMultiplier, logger),
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, logger),
		ethSource: ethereum.NewEventSource(
			deps.Eth, contract, cfg.Eth.BlockDelay, cfg.Eth.PollInterval,
			deps.Logger.WithChannel("ebd", "outbox", "source", "eth"),
		),
		rootDB: relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("ebd", "outbox", "source", "root"), logger),
		ethDB:  relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("ebd", "outbox", "source", "eth"), logger),
		logger: logger,
	}
}

func (o *Outbox) CheckpointKey() string {
	return relay.CheckpointKey("ebd", "outbox", "source", "root")
}

func (o *Outbox) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return o.rootSource.Run(ctx, o.rootDB, o.handleRootBlock)
	})
	eg.Go(func() error {
		return o.ethSource.Run(ctx, o.ethDB, o.handleEthBatch)
	})
	return eg.Wait()
}

func (o *Outbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		var result relay.Result
		var err error
		switch ev.Name {
		case root.EventEthBridgeEventSend:
			result, err = o.handleEventSend(ctx, tx, height, ev, events)
		case root.EventEthBridgeAuthoritySet:
			result, err = o.handleAuthoritySetScheduled(ev)
		case root.EventEthBridgeProofDelayed:
			result, err = o.handleProofDelayed(tx, ev)
		case root.EventErc20PegWithdrawalDelayed:
			result, err = o.handleWithdrawalDelayed(tx, ev)
		default:
			continue
		}
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("ebd.outbox."+ev.Name, string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	return tx.Commit(ctx, height)
}

// handleEventSend routes one Ethereum-destined signing request by its source
// pallet: the bridge pallet authors validator set rotations, the peg pallets
// author withdrawals. Anything else shares the event stream but is not a
// bridge message.
func (o *Outbox) handleEventSend(ctx context.Context, tx *relay.TransactionHandle, height int64, ev *parser.Event, blockEvents []*parser.Event) (relay.Result, error) {
	logger := o.logger.WithHandler("eventSend")

	event, err := root.DecodeEventSend(ev)
	if err != nil {
		return relay.Result{}, err
	}

	switch common.BytesToAddress(event.Source) {
	case bridgePalletAddress:
		return o.handleAuthSetChange(ctx, tx, height, ev, event, logger)
	case erc20PegAddress, erc721PegAddress:
		return o.handleWithdrawal(ctx, tx, height, ev, event, blockEvents, logger)
	default:
		return relay.Skipped(relay.SkipInvalidSource), nil
	}
}

// handleAuthSetChange replays a validator set rotation onto the bridge
// contract so its stored validator set keeps pace with the chain's. A
// rotation that cannot be replayed strands every later proof, so a missing
// proof is alerted with mentions.
func (o *Outbox) handleAuthSetChange(
	ctx context.Context,
	tx *relay.TransactionHandle,
	height int64,
	ev *parser.Event,
	event *root.EventSend,
	logger *log.RelayLogger,
) (relay.Result, error) {
	eventID := int64(event.EventProofID)

	proof, err := o.fetchProof(ctx, event.EventProofID)
	if err != nil {
		return relay.Result{}, err
	}
	if proof == nil {
		logger.Error("authority set change has no event proof",
			"eventId", eventID, "block", height, "mentions", o.cfg.Global.SlackMentions)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	signersJSON, _ := json.Marshal(proof.Validators)

	change := &models.TxAuthSetChange{
		EventID:      eventID,
		EventItemID:  eventItemID(ev),
		EventBlob:    hex.EncodeToString(event.Message),
		EventSigners: signersJSON,
		Status:       models.TxStatusProcessing,
	}
	if setID, validators, ok := decodeAuthSetMessage(event.Message); ok {
		change.NewAuthSetID = int64(setID)
		addrs := make([]string, 0, len(validators))
		for _, v := range validators {
			addrs = append(addrs, v.Hex())
		}
		change.NewAuthSet, _ = json.Marshal(addrs)
	}

	ethProof, err := buildContractProof(proof)
	if err != nil {
		return relay.Result{}, err
	}
	hash, err := o.bridge.ReceiveMessage(ctx,
		common.BytesToAddress(event.Source), common.BytesToAddress(event.Destination), event.Message, *ethProof)
	if err != nil {
		if relay.MatchesAny(err.Error(), receiveMessageSkippable) {
			logger.Info("skipping authority set replay", "eventId", eventID, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("eth", "skipped").Inc()
			tx.Push(relay.Upsert(change, []string{"event_id"},
				[]string{"event_item_id", "new_auth_set_id", "new_auth_set", "event_blob", "event_signers", "status"}))
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("eth", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("eth", "ok").Inc()

	change.EthHash = hash.Hex()
	tx.Push(relay.Upsert(change, []string{"event_id"},
		[]string{"event_item_id", "new_auth_set_id", "new_auth_set", "event_blob", "event_signers", "eth_hash", "status"}))
	logger.InfoContext(ctx, "relayed authority set change to ethereum",
		"eventId", eventID, "ethHash", hash.Hex())
	return relay.Done(), nil
}

func (o *Outbox) handleWithdrawal(
	ctx context.Context,
	tx *relay.TransactionHandle,
	height int64,
	ev *parser.Event,
	event *root.EventSend,
	blockEvents []*parser.Event,
	logger *log.RelayLogger,
) (relay.Result, error) {
	eventID := int64(event.EventProofID)

	withdrawal := &models.TxWithdrawal{
		EventID:   eventID,
		EventBlob: hex.EncodeToString(event.Message),
		Status:    models.TxStatusProcessing,
	}
	var amountStr string
	if token, amount, beneficiary, ok := decodeErc20Message(event.Message); ok {
		amountStr = amount.String()
		withdrawal.To = beneficiary.Hex()
		withdrawal.Value = datatypes.NewJSONType(models.TokenValue{
			Amount:       amountStr,
			TokenAddress: token.Hex(),
		})
	}

	// The erc20 peg emits Erc20Withdraw alongside the signing request,
	// carrying the Root account the funds left. ERC721 withdrawals backfill
	// the sender through their own event.
	from := recoverWithdrawSender(blockEvents, amountStr, withdrawal.To)

	if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
		withdrawal.ExtrinsicID = fmt.Sprintf("%d-%d", height, ev.Phase.AsApplyExtrinsic)
	} else {
		// A delayed withdrawal re-fires without an extrinsic reference.
		// Recover the prior record; an unmatched re-fire is alerted, never
		// guessed.
		prior, err := o.correlateDelayed(eventID, event.Message, height)
		if err != nil {
			return relay.Result{}, err
		}
		if prior == nil {
			logger.Warn("re-fired event matches no prior record",
				"eventId", eventID)
			return relay.Skipped(relay.SkipNoMatchingRecord), nil
		}
		withdrawal.ExtrinsicID = prior.ExtrinsicID
		withdrawal.Aux = prior.Aux
		if withdrawal.To == "" {
			withdrawal.To = prior.To
		}
		if from == "" {
			from = prior.From
		}
	}
	withdrawal.From = from

	if relay.StringInArray(from, o.cfg.Global.DevCallers) {
		logger.Info("skipping dev account withdrawal",
			"extrinsicId", withdrawal.ExtrinsicID, "from", from)
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	proof, err := o.fetchProof(ctx, event.EventProofID)
	if err != nil {
		return relay.Result{}, err
	}
	if proof == nil {
		logger.Warn("event proof not yet available, leaving record delayed",
			"eventId", eventID)
		withdrawal.Status = models.TxStatusDelayed
		tx.Push(relay.Upsert(withdrawal, []string{"extrinsic_id"},
			[]string{"event_id", "event_blob", "from", "to", "value", "status"}))
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}

	signers, _ := json.Marshal(proof.Validators)
	withdrawal.EventSigners = signers

	ethProof, err := buildContractProof(proof)
	if err != nil {
		return relay.Result{}, err
	}
	hash, err := o.bridge.ReceiveMessage(ctx,
		common.BytesToAddress(event.Source), common.BytesToAddress(event.Destination), event.Message, *ethProof)
	if err != nil {
		if relay.MatchesAny(err.Error(), receiveMessageSkippable) {
			logger.Info("skipping withdrawal replay", "eventId", eventID, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("eth", "skipped").Inc()
			tx.Push(relay.Upsert(withdrawal, []string{"extrinsic_id"},
				[]string{"event_id", "event_blob", "event_signers", "from", "to", "value", "status"}))
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("eth", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("eth", "ok").Inc()

	withdrawal.EthHash = hash.Hex()
	tx.Push(relay.Upsert(withdrawal, []string{"extrinsic_id"},
		[]string{"event_id", "event_blob", "event_signers", "from", "to", "value", "eth_hash", "status"}))
	logger.InfoContext(ctx, "relayed withdrawal to ethereum",
		"eventId", eventID, "ethHash", hash.Hex())

	checkEthBalance(ctx, o.eth, o.cfg.Eth.MinEthWei, logger)
	return relay.Done(), nil
}

// handleAuthoritySetScheduled surfaces the chain's announcement of a pending
// rotation; the EventSend that carries it is handled when it fires.
func (o *Outbox) handleAuthoritySetScheduled(ev *parser.Event) (relay.Result, error) {
	proofID, err := root.FieldUint(ev, "event_proof_id")
	if err != nil {
		return relay.Result{}, err
	}
	setID, _ := root.FieldUint(ev, "validator_set_id")
	o.logger.WithHandler("authoritySetChange").Info("authority set rotation scheduled",
		"eventId", proofID, "validatorSetId", setID)
	return relay.Done(), nil
}

// fetchProof polls the proof RPC a few times; validators sign asynchronously
// so the proof usually lands within a block or two of the event.
func (o *Outbox) fetchProof(ctx context.Context, proofID uint64) (*root.EventProofResponse, error) {
	for attempt := 0; attempt < 5; attempt++ {
		proof, err := o.root.FetchEventProof(proofID)
		if err != nil {
			return nil, err
		}
		if proof != nil {
			return proof, nil
		}
		if err := relay.Wait(ctx, o.cfg.Root.PollInterval); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// correlateDelayed recovers the record a re-fired withdrawal belongs to,
// first by eventId, then by the aux-data composite key. The peg re-fires the
// signing request at the recorded release block, so the current height
// disambiguates equal amounts to the same beneficiary.
func (o *Outbox) correlateDelayed(eventID int64, message []byte, height int64) (*models.TxWithdrawal, error) {
	var prior models.TxWithdrawal
	err := o.rootDB.DB().Where("event_id = ?", eventID).First(&prior).Error
	if err == nil {
		return &prior, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to correlate withdrawal by event id")
	}

	_, amount, beneficiary, ok := decodeErc20Message(message)
	if !ok {
		return nil, nil
	}
	var candidates []models.TxWithdrawal
	err = o.rootDB.DB().
		Where("status = ?", models.TxStatusDelayed).
		Where("\"to\" = ?", beneficiary.Hex()).
		Where(datatypes.JSONQuery("aux").Equals(amount.String(), "delayedAmount")).
		Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to correlate withdrawal by aux data")
	}
	for i := range candidates {
		if candidates[i].Aux.Data().ReleaseAtBlock == height {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (o *Outbox) handleProofDelayed(tx *relay.TransactionHandle, ev *parser.Event) (relay.Result, error) {
	logger := o.logger.WithHandler("proofDelayed")
	proofID, err := root.FieldUint(ev, "event_proof_id")
	if err != nil {
		return relay.Result{}, err
	}
	logger.Warn("event proof delayed by the chain", "eventId", proofID)
	tx.Push(relay.Update(&models.TxWithdrawal{},
		map[string]any{"status": models.TxStatusDelayed},
		"event_id = ? AND status = ?", int64(proofID), models.TxStatusProcessing))
	return relay.Done(), nil
}

// handleWithdrawalDelayed records the Delayed branch: the peg postponed the
// withdrawal past its safety threshold and will re-fire it at the release
// block without an extrinsic reference.
func (o *Outbox) handleWithdrawalDelayed(tx *relay.TransactionHandle, ev *parser.Event) (relay.Result, error) {
	logger := o.logger.WithHandler("withdrawalDelayed")
	paymentID, err := root.FieldUint(ev, "payment_id")
	if err != nil {
		return relay.Result{}, err
	}
	amount, _ := root.FieldUint(ev, "amount")
	releaseAt, _ := root.FieldUint(ev, "scheduled_block")
	beneficiary, _ := root.FieldBytes(ev, "beneficiary")

	record := &models.TxWithdrawal{
		ExtrinsicID: fmt.Sprintf("delayed-%d", paymentID),
		To:          common.BytesToAddress(beneficiary).Hex(),
		Aux: datatypes.NewJSONType(models.AuxData{
			DelayedAmount:  new(big.Int).SetUint64(amount).String(),
			ReleaseAtBlock: int64(releaseAt),
		}),
		Status: models.TxStatusDelayed,
	}
	tx.Push(relay.Upsert(record, []string{"extrinsic_id"}, []string{"to", "aux", "status"}))
	logger.Warn("withdrawal delayed by the chain",
		"paymentId", paymentID, "amount", amount, "releaseAtBlock", releaseAt,
		"beneficiary", record.To)
	return relay.Done(), nil
}

// handleEthBatch closes withdrawal records on MessageReceived confirmations.
func (o *Outbox) handleEthBatch(ctx context.Context, tx *relay.TransactionHandle, logs []types.Log) error {
	var currentBlock int64
	for _, lg := range logs {
		if currentBlock != 0 && int64(lg.BlockNumber) != currentBlock {
			if err := tx.Commit(ctx, currentBlock); err != nil {
				return err
			}
		}
		currentBlock = int64(lg.BlockNumber)

		event, err := ethereum.DecodeMessageReceived(lg)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		tx.Push(relay.Update(&models.TxWithdrawal{},
			map[string]any{"status": models.TxStatusProcessingOk, "eth_hash": event.TxHash.Hex()},
			"event_id = ?", event.EventID.Int64()))
		o.logger.WithHandler("messageReceived").Info("withdrawal confirmed on ethereum",
			"eventId", event.EventID.String(), "ethHash", event.TxHash.Hex())
		metrics.EventsHandledCounter.WithLabelValues("ebd.outbox.messageReceived", string(relay.OutcomeDone)).Inc()
	}
	if currentBlock != 0 {
		return tx.Commit(ctx, currentBlock)
	}
	return nil
}

// buildContractProof splits the validators' 65-byte signatures into the
// component arrays the contract verifies.
func buildContractProof(proof *root.EventProofResponse) (*ethereum.EventProof, error) {
	out := &ethereum.EventProof{
		EventID:        new(big.Int).SetUint64(proof.EventID),
		ValidatorSetID: uint32(proof.ValidatorSetID),
	}
	for _, v := range proof.Validators {
		out.Validators = append(out.Validators, common.HexToAddress(v))
	}
	for _, sigHex := range proof.Signatures {
		sig, err := hex.DecodeString(trimHexPrefix(sigHex))
		if err != nil || len(sig) != 65 {
			return nil, errors.Newf("malformed proof signature %q", sigHex)
		}
		var r, s [32]byte
		copy(r[:], sig[:32])
		copy(s[:], sig[32:64])
		v := sig[64]
		if v < 27 {
			v += 27
		}
		out.R = append(out.R, r)
		out.S = append(out.S, s)
		out.V = append(out.V, v)
	}
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// decodeAuthSetMessage decodes the (validators, setId) tuple carried by
// bridge pallet messages.
func decodeAuthSetMessage(message []byte) (uint32, []common.Address, bool) {
	args := ethabi.Arguments{
		{Type: addressSliceType},
		{Type: uint32Type},
	}
	decoded, err := args.Unpack(message)
	if err != nil || len(decoded) != 2 {
		return 0, nil, false
	}
	validators, ok1 := decoded[0].([]common.Address)
	setID, ok2 := decoded[1].(uint32)
	if !ok1 || !ok2 {
		return 0, nil, false
	}
	return setID, validators, true
}

// recoverWithdrawSender scans the block's events for the Erc20Withdraw that
// produced this signing request and returns its source account. The signing
// request itself does not carry the sender.
func recoverWithdrawSender(events []*parser.Event, amount, beneficiary string) string {
	if amount == "" {
		return ""
	}
	for _, ev := range events {
		if ev.Name != root.EventErc20PegWithdraw {
			continue
		}
		evAmount, err := root.FieldBig(ev, "amount")
		if err != nil || evAmount.String() != amount {
			continue
		}
		evBeneficiary, err := root.FieldBytes(ev, "beneficiary")
		if err != nil || !strings.EqualFold(common.BytesToAddress(evBeneficiary).Hex(), beneficiary) {
			continue
		}
		if source, err := root.FieldBytes(ev, "source"); err == nil {
			return "0x" + hex.EncodeToString(source)
		}
	}
	return ""
}

// eventItemID names the event within its block for audit purposes.
func eventItemID(ev *parser.Event) string {
	if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
		return fmt.Sprintf("extrinsic-%d", ev.Phase.AsApplyExtrinsic)
	}
	return strings.ToLower(ev.Name)
}

// decodeErc20Message decodes the (token, amount, beneficiary) tuple carried
// by ERC20 peg messages. Other peg payloads keep only their raw bytes.
func decodeErc20Message(message []byte) (common.Address, *big.Int, common.Address, bool) {
	args := ethabi.Arguments{
		{Type: addressType},
		{Type: uint256Type},
		{Type: addressType},
	}
	decoded, err := args.Unpack(message)
	if err != nil || len(decoded) != 3 {
		return common.Address{}, nil, common.Address{}, false
	}
	token, ok1 := decoded[0].(common.Address)
	amount, ok2 := decoded[1].(*big.Int)
	beneficiary, ok3 := decoded[2].(common.Address)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, nil, common.Address{}, false
	}
	return token, amount, beneficiary, true
}
