package xbd

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	substrateTypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
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

// Known-benign rejections when submitting an XRPL transaction claim to Root.
var submitTransactionSkippable = []string{
	"XRPLBridge.TxReplay",
	"Priority is too low",
}

// Inbox relays XRPL door-account payments to the Root network: the XRPL side
// observes validated payments into the door account and submits them as
// bridge claims, the Root side observes the pallet's terminal events and
// closes the tracking records.
type Inbox struct {
	cfg  *config.Config
	root *root.Client
	xrpl *xrpl.Client

	xrplSource *xrpl.EventSource
	rootSource *root.EventSource
	xrplDB     *relay.BatchDatabase
	rootDB     *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewInbox(cfg *config.Config, deps *Deps) *Inbox {
	logger := deps.Logger.WithChannel("xbd", "inbox", "source", "xrpl")
	return &Inbox{
		cfg:        cfg,
		root:       deps.Root,
		xrpl:       deps.Xrpl,
		xrplSource: xrpl.NewEventSource(deps.Xrpl, cfg.Xrpl.DoorAccount, cfg.Xrpl.PollInterval, logger),
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, deps.Logger.WithChannel("xbd", "inbox", "source", "root")),
		xrplDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xbd", "inbox", "source", "xrpl"), logger),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xbd", "inbox", "source", "root"), logger),
		logger:     logger,
	}
}

func (in *Inbox) CheckpointKey() string {
	return relay.CheckpointKey("xbd", "inbox", "source", "xrpl")
}

func (in *Inbox) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return in.xrplSource.Run(ctx, in.xrplDB, in.handleXrplBatch)
	})
	eg.Go(func() error {
		return in.rootSource.Run(ctx, in.rootDB, in.handleRootBlock)
	})
	return eg.Wait()
}

// handleXrplBatch processes one page of validated door-account transactions,
// committing once per ledger index.
func (in *Inbox) handleXrplBatch(ctx context.Context, tx *relay.TransactionHandle, entries []xrpl.AccountTxEntry) error {
	var currentLedger int64
	for _, entry := range entries {
		if currentLedger != 0 && entry.LedgerIndex != currentLedger {
			if err := tx.Commit(ctx, currentLedger); err != nil {
				return err
			}
		}
		currentLedger = entry.LedgerIndex

		if entry.Tx.TransactionType != "Payment" ||
			entry.Tx.Destination != in.cfg.Xrpl.DoorAccount ||
			entry.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		result, err := in.handlePayment(ctx, tx, entry)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xbd.inbox.payment", string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	if currentLedger != 0 {
		return tx.Commit(ctx, currentLedger)
	}
	return nil
}

func (in *Inbox) handlePayment(ctx context.Context, tx *relay.TransactionHandle, entry xrpl.AccountTxEntry) (relay.Result, error) {
	logger := in.logger.WithHandler("paymentTx")
	xrplHash := entry.Tx.Hash
	from := entry.Tx.Account

	to, ok := decodeAddressMemo(entry.Tx.MemoData())
	if !ok {
		logger.Info("ignoring payment without a destination address memo", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}

	amount := entry.Tx.Amount
	if entry.Meta.DeliveredAmount != nil {
		amount = entry.Meta.DeliveredAmount
	}
	if amount == nil {
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}

	value, txData, result, err := in.decodeValue(*amount, to, xrplHash, logger)
	if err != nil {
		return relay.Result{}, err
	}
	if result.Skipped() {
		return result, nil
	}

	if relay.StringInArray(from, in.cfg.Global.DevCallers) {
		logger.Info("skipping dev account payment", "xrplHash", xrplHash, "from", from)
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	deposit := &models.TxDeposit{
		XrplHash: xrplHash,
		From:     from,
		To:       to,
		Value:    datatypes.NewJSONType(value),
		Status:   models.TxStatusProcessing,
	}
	tx.Push(relay.Upsert(deposit, []string{"eth_hash", "xrpl_hash"}, []string{"from", "to", "value", "status"}))

	hashBytes, err := hex.DecodeString(xrplHash)
	if err != nil || len(hashBytes) != 32 {
		return relay.Result{}, errors.Newf("malformed transaction hash %q", xrplHash)
	}
	call, err := in.root.NewCall("XRPLBridge.submit_transaction",
		substrateTypes.NewU64(uint64(entry.LedgerIndex)),
		substrateTypes.NewH256(hashBytes),
		txData,
		substrateTypes.NewU64(uint64(time.Now().UnixMilli())))
	if err != nil {
		return relay.Result{}, err
	}
	_, err = in.root.SubmitExtrinsic(ctx, call)
	if err != nil {
		if relay.MatchesAny(err.Error(), submitTransactionSkippable) {
			logger.Info("skipping already relayed payment", "xrplHash", xrplHash, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("root", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("root", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("root", "ok").Inc()
	logger.InfoContext(ctx, "relayed payment to root", "xrplHash", xrplHash, "amount", value.Amount, "token", value.TokenName)

	checkRootBalance(in.root, in.cfg.Root.MinXrpDrops, logger)
	return relay.Done(), nil
}

// decodeValue turns a delivered amount into the bridged token value and the
// pallet claim payload. Dust, unmapped currencies and unrepresentable
// amounts resolve to a skip.
func (in *Inbox) decodeValue(amount xrpl.Amount, to, xrplHash string, logger *log.RelayLogger) (models.TokenValue, root.XrplTxData, relay.Result, error) {
	destination, err := hexToH160(to)
	if err != nil {
		return models.TokenValue{}, root.XrplTxData{}, relay.Result{}, err
	}

	if amount.IsXRP() {
		drops, err := xrpl.ParseDrops(amount.Drops)
		if err != nil {
			return models.TokenValue{}, root.XrplTxData{}, relay.Result{}, err
		}
		if drops.IsInt64() && drops.Int64() < in.cfg.Xrpl.MinAmountThreshold {
			logger.Debug("ignoring dust payment", "xrplHash", xrplHash, "drops", amount.Drops)
			return models.TokenValue{}, root.XrplTxData{}, relay.Skipped(relay.SkipBelowThreshold), nil
		}
		value := models.TokenValue{Amount: amount.Drops, TokenName: "XRP"}
		return value, root.NewXrplPaymentData(substrateTypes.NewU128(*drops), destination), relay.Done(), nil
	}

	code := xrpl.NormalizeCurrencyCode(amount.Currency)
	currency, ok := in.cfg.Xrpl.Currencies[strings.ToLower(code)]
	if !ok {
		logger.Warn("ignoring payment with unsupported currency",
			"xrplHash", xrplHash, "currency", amount.Currency)
		return models.TokenValue{}, root.XrplTxData{}, relay.Skipped(relay.SkipUnsupportedCurrency), nil
	}
	units, err := xrpl.ScaleToUnits(amount.Value, currency.Decimals)
	if err != nil {
		if errors.Is(err, xrpl.ErrAmountOverflow) {
			logger.Error("ignoring payment above the bridgeable range",
				"xrplHash", xrplHash, "value", amount.Value)
			return models.TokenValue{}, root.XrplTxData{}, relay.Skipped(relay.SkipAmountOverflow), nil
		}
		return models.TokenValue{}, root.XrplTxData{}, relay.Result{}, err
	}

	tokenName := currency.Symbol
	if len(tokenName) != 3 && !strings.HasPrefix(tokenName, "0x") {
		tokenName = "0x" + tokenName
	}
	issuer, err := hexToH160(currency.Issuer)
	if err != nil {
		return models.TokenValue{}, root.XrplTxData{}, relay.Result{}, err
	}
	value := models.TokenValue{Amount: units.String(), TokenName: tokenName}
	// The pallet expects the ledger form of the code, whichever way the
	// symbol is written in configuration.
	txData := root.NewXrplCurrencyPaymentData(substrateTypes.NewU128(*units), destination, root.XrplCurrency{
		Symbol: substrateTypes.NewBytes([]byte(xrpl.EncodeCurrencyCode(currency.Symbol))),
		Issuer: issuer,
	})
	return value, txData, relay.Done(), nil
}

// handleRootBlock applies the pallet's lifecycle events to deposit records.
func (in *Inbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		var status models.TxStatus
		switch ev.Name {
		case root.EventXrplBridgeProcessingOk:
			status = models.TxStatusProcessingOk
		case root.EventXrplBridgeProcessingFailed:
			status = models.TxStatusProcessingFailed
		default:
			continue
		}
		result, err := in.handleProcessed(tx, ev, status)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xbd.inbox."+ev.Name, string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	return tx.Commit(ctx, height)
}

func (in *Inbox) handleProcessed(tx *relay.TransactionHandle, ev *parser.Event, status models.TxStatus) (relay.Result, error) {
	logger := in.logger.WithHandler(ev.Name)
	xrplHash, err := transactionHash(ev)
	if err != nil {
		return relay.Result{}, err
	}

	var deposit models.TxDeposit
	err = in.rootDB.DB().Where("xrpl_hash = ?", xrplHash).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("no deposit record for processed transaction", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, errors.Wrap(err, "failed to look up deposit")
	}

	tx.Push(relay.Update(&models.TxDeposit{},
		map[string]any{"status": status}, "xrpl_hash = ?", xrplHash))
	logger.Info("deposit reached terminal status", "xrplHash", xrplHash, "status", string(status))
	return relay.Done(), nil
}

// transactionHash reads the XRPL hash off a pallet lifecycle event, rendered
// in the ledger's upper-case hex form.
func transactionHash(ev *parser.Event) (string, error) {
	for _, name := range []string{"transaction_hash", "tx_hash"} {
		if raw, err := root.FieldBytes(ev, name); err == nil {
			return strings.ToUpper(hex.EncodeToString(raw)), nil
		}
	}
	return "", errors.Newf("event %s carries no transaction hash", ev.Name)
}

func hexToH160(addr string) (substrateTypes.H160, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(addr, "0x"))
	if err != nil || len(raw) != 20 {
		return substrateTypes.H160{}, errors.Newf("malformed address %q", addr)
	}
	var out substrateTypes.H160
	copy(out[:], raw)
	return out, nil
}
