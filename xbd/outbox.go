package xbd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/root"
	"github.com/trncs/relayerd/chains/xrpl"
	"github.com/trncs/relayerd/config"
	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
	"github.com/trncs/relayerd/models"
	"github.com/trncs/relayerd/relay"
)

// The door runs on sequence tickets; a submission that lost its ticket to a
// concurrent relayer is benign.
var submitMultisignedSkippable = []string{"tefNO_TICKET"}

// Outbox relays Root-originated withdrawals to the XRP Ledger: the Root side
// observes signing requests, assembles the validators' multisignature and
// submits the door transaction, the XRPL side observes the door account's
// validated transactions and closes the tracking records.
type Outbox struct {
	cfg  *config.Config
	root *root.Client
	xrpl *xrpl.Client

	rootSource *root.EventSource
	xrplSource *xrpl.EventSource
	rootDB     *relay.BatchDatabase
	xrplDB     *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewOutbox(cfg *config.Config, deps *Deps) *Outbox {
	logger := deps.Logger.WithChannel("xbd", "outbox", "source", "root")
	return &Outbox{
		cfg:        cfg,
		root:       deps.Root,
		xrpl:       deps.Xrpl,
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, logger),
		xrplSource: xrpl.NewEventSource(deps.Xrpl, cfg.Xrpl.DoorAccount, cfg.Xrpl.PollInterval, deps.Logger.WithChannel("xbd", "outbox", "source", "xrpl")),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xbd", "outbox", "source", "root"), logger),
		xrplDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xbd", "outbox", "source", "xrpl"), logger),
		logger:     logger,
	}
}

func (o *Outbox) CheckpointKey() string {
	return relay.CheckpointKey("xbd", "outbox", "source", "root")
}

func (o *Outbox) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return o.rootSource.Run(ctx, o.rootDB, o.handleRootBlock)
	})
	eg.Go(func() error {
		return o.xrplSource.Run(ctx, o.xrplDB, o.handleXrplBatch)
	})
	return eg.Wait()
}

func (o *Outbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		var result relay.Result
		var err error
		switch ev.Name {
		case root.EventEthBridgeEventSend:
			result, err = o.handleEventSend(ctx, tx, height, ev)
		case root.EventEthBridgeProofDelayed:
			result, err = o.handleProofDelayed(tx, ev)
		case root.EventXrplBridgeWithdrawDelayed:
			result, err = o.handleWithdrawDelayed(tx, ev)
		case root.EventXrplBridgeWithdrawRequest:
			result, err = o.handleWithdrawRequest(tx, ev)
		default:
			continue
		}
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xbd.outbox."+ev.Name, string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	return tx.Commit(ctx, height)
}

// handleEventSend processes one XRPL signing request: the event message is
// the unsigned door transaction, the proof the validators' signatures over
// it.
func (o *Outbox) handleEventSend(ctx context.Context, tx *relay.TransactionHandle, height int64, ev *parser.Event) (relay.Result, error) {
	logger := o.logger.WithHandler("eventSend")

	event, err := root.DecodeEventSend(ev)
	if err != nil {
		return relay.Result{}, err
	}
	var doorTx xrpl.Transaction
	if err := json.Unmarshal(event.Message, &doorTx); err != nil {
		// Ethereum-destined signing requests share the event stream and do
		// not decode as door transactions.
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}

	proof, err := o.root.FetchXrplTxProof(event.EventProofID)
	if err != nil {
		return relay.Result{}, err
	}
	if proof == nil {
		if doorTx.TransactionType == "SignerListSet" {
			logger.Error("authority set change has no event proof",
				"eventId", event.EventProofID, "block", height, "mentions", o.cfg.Global.SlackMentions)
		} else {
			logger.Warn("event proof not yet available",
				"eventId", event.EventProofID, "block", height)
		}
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	signers := make([]xrpl.Signer, 0, len(proof.Signatures))
	for _, s := range proof.Signatures {
		signers = append(signers, xrpl.Signer{
			Account:       s.Account,
			SigningPubKey: s.SigningPubKey,
			TxnSignature:  s.TxnSignature,
		})
	}
	signersJSON, _ := json.Marshal(proof.Signatures)

	switch doorTx.TransactionType {
	case "Payment":
		return o.handlePaymentRequest(ctx, tx, height, ev, event, &doorTx, signers, signersJSON, logger)
	case "SignerListSet":
		if doorTx.Account != o.cfg.Xrpl.DoorAccount {
			return relay.Skipped(relay.SkipInvalidSource), nil
		}
		return o.handleSignerSetChange(ctx, tx, ev, event, signers, signersJSON, logger)
	default:
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
}

func (o *Outbox) handlePaymentRequest(
	ctx context.Context,
	tx *relay.TransactionHandle,
	height int64,
	ev *parser.Event,
	event *root.EventSend,
	doorTx *xrpl.Transaction,
	signers []xrpl.Signer,
	signersJSON []byte,
	logger *log.RelayLogger,
) (relay.Result, error) {
	eventID := int64(event.EventProofID)
	to := doorTx.Destination
	amount, tokenName := paymentValue(doorTx)

	var extrinsicID, from string
	if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
		extrinsicID = fmt.Sprintf("%d-%d", height, ev.Phase.AsApplyExtrinsic)
	} else {
		// Re-fired after ProofDelayed or WithdrawDelayed: no extrinsic
		// reference, so recover the prior record by eventId, then by the
		// aux-data composite key. An unmatched re-fire is alerted, never
		// guessed.
		prior, err := o.correlateDelayed(eventID, amount, to, height)
		if err != nil {
			return relay.Result{}, err
		}
		if prior == nil {
			logger.Warn("re-fired withdrawal matches no prior record",
				"eventId", eventID, "delayedAmount", amount, "to", to)
			return relay.Skipped(relay.SkipNoMatchingRecord), nil
		}
		extrinsicID = prior.ExtrinsicID
		from = prior.From
	}

	if relay.StringInArray(from, o.cfg.Global.DevCallers) {
		logger.Info("skipping dev account withdrawal", "extrinsicId", extrinsicID, "from", from)
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	withdrawal := &models.TxWithdrawal{
		ExtrinsicID:  extrinsicID,
		EventID:      eventID,
		From:         from,
		To:           to,
		Value:        datatypes.NewJSONType(models.TokenValue{Amount: amount, TokenName: tokenName}),
		EventBlob:    hex.EncodeToString(event.Message),
		EventSigners: signersJSON,
		Status:       models.TxStatusProcessing,
	}
	tx.Push(relay.Upsert(withdrawal, []string{"extrinsic_id"},
		[]string{"event_id", "from", "to", "value", "event_blob", "event_signers", "status"}))

	multisigned, err := xrpl.AssembleMultisigned(event.Message, signers)
	if err != nil {
		return relay.Result{}, err
	}
	hash, err := o.xrpl.SubmitMultisigned(ctx, multisigned)
	if err != nil {
		if relay.MatchesAny(err.Error(), submitMultisignedSkippable) {
			logger.Warn("skipping withdrawal submission", "extrinsicId", extrinsicID, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("xrpl", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("xrpl", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("xrpl", "ok").Inc()

	tx.Push(relay.Update(&models.TxWithdrawal{},
		map[string]any{"xrpl_hash": hash, "status": models.TxStatusProcessing},
		"event_id = ?", eventID))
	logger.InfoContext(ctx, "relayed withdrawal to xrpl",
		"extrinsicId", extrinsicID, "eventId", eventID, "xrplHash", hash)

	checkDoorBalance(ctx, o.xrpl, o.cfg.Xrpl.DoorAccount, o.cfg.Xrpl.MinXrpDrops, logger)
	return relay.Done(), nil
}

func (o *Outbox) handleSignerSetChange(
	ctx context.Context,
	tx *relay.TransactionHandle,
	ev *parser.Event,
	event *root.EventSend,
	signers []xrpl.Signer,
	signersJSON []byte,
	logger *log.RelayLogger,
) (relay.Result, error) {
	eventID := int64(event.EventProofID)

	var raw struct {
		SignerEntries json.RawMessage `json:"SignerEntries"`
	}
	_ = json.Unmarshal(event.Message, &raw)

	change := &models.TxSignerSetChange{
		EventID:      eventID,
		EventItemID:  eventItemID(ev),
		NewSignerSet: datatypes.JSON(raw.SignerEntries),
		EventBlob:    hex.EncodeToString(event.Message),
		EventSigners: signersJSON,
		Status:       models.TxStatusProcessing,
	}
	tx.Push(relay.Upsert(change, []string{"event_id"},
		[]string{"event_item_id", "new_signer_set", "event_blob", "event_signers", "status"}))

	multisigned, err := xrpl.AssembleMultisigned(event.Message, signers)
	if err != nil {
		return relay.Result{}, err
	}
	hash, err := o.xrpl.SubmitMultisigned(ctx, multisigned)
	if err != nil {
		if relay.MatchesAny(err.Error(), submitMultisignedSkippable) {
			logger.Warn("skipping signer set submission", "eventId", eventID, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("xrpl", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("xrpl", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("xrpl", "ok").Inc()

	tx.Push(relay.Update(&models.TxSignerSetChange{},
		map[string]any{"xrpl_hash": hash}, "event_id = ?", eventID))
	logger.InfoContext(ctx, "relayed signer set change to xrpl", "eventId", eventID, "xrplHash", hash)
	return relay.Done(), nil
}

// correlateDelayed recovers the record a re-fired withdrawal belongs to,
// first by eventId, then by the aux-data composite key. The pallet re-fires
// the signing request at the recorded release block, so the current height
// disambiguates equal amounts to the same destination.
func (o *Outbox) correlateDelayed(eventID int64, amount, to string, height int64) (*models.TxWithdrawal, error) {
	var prior models.TxWithdrawal
	err := o.rootDB.DB().Where("event_id = ?", eventID).First(&prior).Error
	if err == nil {
		return &prior, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to correlate withdrawal by event id")
	}

	var candidates []models.TxWithdrawal
	err = o.rootDB.DB().
		Where("status = ?", models.TxStatusDelayed).
		Where("\"to\" = ?", to).
		Where(datatypes.JSONQuery("aux").Equals(amount, "delayedAmount")).
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
	proofID, err := root.FieldUint(ev, "event_proof_id")
	if err != nil {
		return relay.Result{}, err
	}
	o.logger.WithHandler("proofDelayed").Warn("event proof delayed by the chain", "eventId", proofID)
	tx.Push(relay.Update(&models.TxWithdrawal{},
		map[string]any{"status": models.TxStatusDelayed},
		"event_id = ? AND status = ?", int64(proofID), models.TxStatusProcessing))
	return relay.Done(), nil
}

// handleWithdrawDelayed records the Delayed branch: the pallet postponed the
// withdrawal and will re-fire its signing request at the release block
// without an extrinsic reference.
func (o *Outbox) handleWithdrawDelayed(tx *relay.TransactionHandle, ev *parser.Event) (relay.Result, error) {
	logger := o.logger.WithHandler("withdrawDelayed")
	paymentID, err := root.FieldUint(ev, "delayed_payment_id")
	if err != nil {
		return relay.Result{}, err
	}
	amount, _ := root.FieldUint(ev, "amount")
	releaseAt, _ := root.FieldUint(ev, "payment_block")
	sender, _ := root.FieldBytes(ev, "sender")
	destination, _ := root.FieldBytes(ev, "destination")

	record := &models.TxWithdrawal{
		ExtrinsicID: fmt.Sprintf("delayed-%d", paymentID),
		From:        "0x" + hex.EncodeToString(sender),
		To:          string(destination),
		Aux: datatypes.NewJSONType(models.AuxData{
			DelayedAmount:  fmt.Sprintf("%d", amount),
			ReleaseAtBlock: int64(releaseAt),
		}),
		Status: models.TxStatusDelayed,
	}
	tx.Push(relay.Upsert(record, []string{"extrinsic_id"}, []string{"from", "to", "aux", "status"}))
	logger.Warn("withdrawal delayed by the chain",
		"paymentId", paymentID, "amount", amount, "releaseAtBlock", releaseAt, "to", record.To)
	return relay.Done(), nil
}

// handleWithdrawRequest backfills the sender onto the tracking record. The
// signing request carries the door transaction but not the Root account that
// initiated it, so the dev-account filter depends on this update.
func (o *Outbox) handleWithdrawRequest(tx *relay.TransactionHandle, ev *parser.Event) (relay.Result, error) {
	request, err := root.DecodeWithdrawRequest(ev)
	if err != nil {
		return relay.Result{}, err
	}
	if len(request.Sender) > 0 {
		tx.Push(relay.Update(&models.TxWithdrawal{},
			map[string]any{"from": "0x" + hex.EncodeToString(request.Sender)},
			"event_id = ?", int64(request.ProofID)))
	}
	o.logger.WithHandler("withdrawRequest").Info("withdraw requested",
		"proofId", request.ProofID, "destination", request.Destination)
	return relay.Done(), nil
}

// handleXrplBatch closes tracking records on validated door-account
// transactions.
func (o *Outbox) handleXrplBatch(ctx context.Context, tx *relay.TransactionHandle, entries []xrpl.AccountTxEntry) error {
	var currentLedger int64
	for _, entry := range entries {
		if currentLedger != 0 && entry.LedgerIndex != currentLedger {
			if err := tx.Commit(ctx, currentLedger); err != nil {
				return err
			}
		}
		currentLedger = entry.LedgerIndex

		if entry.Tx.Account != o.cfg.Xrpl.DoorAccount || entry.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		switch entry.Tx.TransactionType {
		case "Payment":
			tx.Push(relay.Update(&models.TxWithdrawal{},
				map[string]any{"status": models.TxStatusProcessingOk},
				"xrpl_hash = ?", entry.Tx.Hash))
			o.logger.WithHandler("paymentTx").Info("withdrawal confirmed on xrpl", "xrplHash", entry.Tx.Hash)
			metrics.EventsHandledCounter.WithLabelValues("xbd.outbox.paymentTx", string(relay.OutcomeDone)).Inc()
		case "SignerListSet":
			tx.Push(relay.Update(&models.TxSignerSetChange{},
				map[string]any{"status": models.TxStatusProcessingOk},
				"xrpl_hash = ?", entry.Tx.Hash))
			o.logger.WithHandler("signerListSetTx").Info("signer set change confirmed on xrpl", "xrplHash", entry.Tx.Hash)
			metrics.EventsHandledCounter.WithLabelValues("xbd.outbox.signerListSetTx", string(relay.OutcomeDone)).Inc()
		}
	}
	if currentLedger != 0 {
		return tx.Commit(ctx, currentLedger)
	}
	return nil
}

func paymentValue(tx *xrpl.Transaction) (amount, tokenName string) {
	if tx.Amount == nil {
		return "", ""
	}
	if tx.Amount.IsXRP() {
		return tx.Amount.Drops, "XRP"
	}
	return tx.Amount.Value, tx.Amount.Currency
}

// eventItemID names the event within its block for audit purposes.
func eventItemID(ev *parser.Event) string {
	if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
		return fmt.Sprintf("extrinsic-%d", ev.Phase.AsApplyExtrinsic)
	}
	return strings.ToLower(ev.Name)
}
