package xls20d

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	substrateTypes "github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
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

// Inbox relays XLS-20 tokens from XRPL to the Root network. A holder creates
// a sell offer to the NFT door account and pays the bridging fee; the door
// account accepts the offer, and the accept transaction is submitted as a
// bridge claim. The Root side closes the tracking records on the pallet's
// terminal events.
type Inbox struct {
	cfg  *config.Config
	root *root.Client
	xrpl *xrpl.Client
	door string

	xrplSource *xrpl.EventSource
	rootSource *root.EventSource
	xrplDB     *relay.BatchDatabase
	rootDB     *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewInbox(cfg *config.Config, deps *Deps) *Inbox {
	logger := deps.Logger.WithChannel("xls20", "inbox", "source", "xrpl")
	door := cfg.Xrpl.MinterDoorAccount
	return &Inbox{
		cfg:        cfg,
		root:       deps.Root,
		xrpl:       deps.Xrpl,
		door:       door,
		xrplSource: xrpl.NewEventSource(deps.Xrpl, door, cfg.Xrpl.PollInterval, logger),
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, deps.Logger.WithChannel("xls20", "inbox", "source", "root")),
		xrplDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xls20", "inbox", "source", "xrpl"), logger),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xls20", "inbox", "source", "root"), logger),
		logger:     logger,
	}
}

func (in *Inbox) CheckpointKey() string {
	return relay.CheckpointKey("xls20", "inbox", "source", "xrpl")
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

// handleXrplBatch routes one page of validated door-account transactions,
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

		if entry.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		var (
			handler string
			result  relay.Result
			err     error
		)
		switch {
		case entry.Tx.TransactionType == "NFTokenCreateOffer" && entry.Tx.Destination == in.door:
			handler = "createOffer"
			result, err = in.handleCreateOffer(tx, entry)
		case entry.Tx.TransactionType == "Payment" && entry.Tx.Destination == in.door:
			handler = "paymentTx"
			result, err = in.handlePayment(ctx, entry)
		case entry.Tx.TransactionType == "NFTokenAcceptOffer" && entry.Tx.Account == in.door:
			handler = "acceptOffer"
			result, err = in.handleAcceptOffer(ctx, tx, entry)
		default:
			continue
		}
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xls20.inbox."+handler, string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	if currentLedger != 0 {
		return tx.Commit(ctx, currentLedger)
	}
	return nil
}

// handleCreateOffer records an inbound sell offer to the door account. The
// offer's Address memo names the Root beneficiary.
func (in *Inbox) handleCreateOffer(tx *relay.TransactionHandle, entry xrpl.AccountTxEntry) (relay.Result, error) {
	logger := in.logger.WithHandler("createOffer")
	xrplHash := entry.Tx.Hash
	tokenID := entry.Tx.NFTokenID

	recipient, ok := memoValue(entry.Tx.MemoEntries(), "Address")
	if !ok {
		logger.Info("ignoring offer without an address memo", "xrplHash", xrplHash, "tokenId", tokenID)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if len(recipient) != 42 || !strings.HasPrefix(recipient, "0x") {
		logger.Warn("ignoring offer with a malformed recipient", "xrplHash", xrplHash, "recipient", recipient)
		return relay.Skipped(relay.SkipInvalidSource), nil
	}
	if relay.StringInArray(entry.Tx.Account, in.cfg.Global.DevCallers) {
		logger.Info("skipping dev account offer", "xrplHash", xrplHash, "from", entry.Tx.Account)
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	offerID := entry.Meta.NFTokenOfferID()
	if offerID == "" {
		return relay.Result{}, errors.Newf("offer %s created no NFTokenOffer ledger entry", xrplHash)
	}

	offer := &models.TxNftOffer{
		XrplHash:    xrplHash,
		OfferID:     offerID,
		TokenID:     tokenID,
		Owner:       entry.Tx.Account,
		Destination: recipient,
		Status:      models.TxStatusProcessing,
	}
	tx.Push(relay.Upsert(offer, []string{"xrpl_hash"},
		[]string{"offer_id", "token_id", "owner", "destination", "status"}))
	logger.Info("recorded nft offer", "xrplHash", xrplHash, "tokenId", tokenID, "offerId", offerID)
	return relay.Done(), nil
}

// handlePayment reacts to the bridging-fee payment by asking the pallet to
// accept the recorded offer through the door account.
func (in *Inbox) handlePayment(ctx context.Context, entry xrpl.AccountTxEntry) (relay.Result, error) {
	logger := in.logger.WithHandler("paymentTx")
	xrplHash := entry.Tx.Hash

	tokenID, ok := memoValue(entry.Tx.MemoEntries(), "")
	if !ok {
		logger.Info("ignoring payment without a token memo", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if relay.StringInArray(entry.Tx.Account, in.cfg.Global.DevCallers) {
		logger.Info("skipping dev account payment", "xrplHash", xrplHash, "from", entry.Tx.Account)
		return relay.Skipped(relay.SkipDevAccount), nil
	}

	offer, err := in.findOffer(tokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("no offer record for fee payment", "xrplHash", xrplHash, "tokenId", tokenID)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, err
	}

	offerBytes, err := hex.DecodeString(offer.OfferID)
	if err != nil || len(offerBytes) != 32 {
		return relay.Result{}, errors.Newf("malformed offer id %q", offer.OfferID)
	}
	call, err := in.root.NewCall("XRPLBridge.generate_nft_accept_offer",
		substrateTypes.NewH256(offerBytes))
	if err != nil {
		return relay.Result{}, err
	}
	if _, err := in.root.SubmitExtrinsic(ctx, call); err != nil {
		if relay.MatchesAny(err.Error(), submitTransactionSkippable) {
			logger.Info("skipping already requested offer accept", "offerId", offer.OfferID, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("root", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("root", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("root", "ok").Inc()
	logger.InfoContext(ctx, "requested offer accept through the door account",
		"tokenId", tokenID, "offerId", offer.OfferID)

	checkRootBalance(in.root, in.cfg.Root.MinXrpDrops, logger)
	return relay.Done(), nil
}

// handleAcceptOffer submits the door account's accept transaction as a
// bridge claim, which mints the token to the recorded beneficiary on Root.
func (in *Inbox) handleAcceptOffer(ctx context.Context, tx *relay.TransactionHandle, entry xrpl.AccountTxEntry) (relay.Result, error) {
	logger := in.logger.WithHandler("acceptOffer")
	xrplHash := entry.Tx.Hash

	tokenID := entry.Meta.NFTokenID
	if tokenID == "" {
		logger.Warn("accept transaction carries no token id", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	offer, err := in.findOffer(tokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("no offer record for accepted token", "xrplHash", xrplHash, "tokenId", tokenID)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, err
	}
	if entry.Tx.NFTokenSellOffer != "" && !strings.EqualFold(offer.OfferID, entry.Tx.NFTokenSellOffer) {
		logger.Warn("offer record does not match the accepted offer",
			"tokenId", tokenID, "recorded", offer.OfferID, "accepted", entry.Tx.NFTokenSellOffer)
	}

	destination, err := hexToH160(offer.Destination)
	if err != nil {
		return relay.Result{}, err
	}
	tokenBytes, err := hex.DecodeString(tokenID)
	if err != nil || len(tokenBytes) != 32 {
		return relay.Result{}, errors.Newf("malformed token id %q", tokenID)
	}
	hashBytes, err := hex.DecodeString(xrplHash)
	if err != nil || len(hashBytes) != 32 {
		return relay.Result{}, errors.Newf("malformed transaction hash %q", xrplHash)
	}

	// The claim is keyed by the accept transaction, so the record follows
	// its hash for the terminal events to find.
	tx.Push(relay.Update(&models.TxNftOffer{},
		map[string]any{"xrpl_hash": xrplHash}, "token_id = ?", tokenID))

	call, err := in.root.NewCall("XRPLBridge.submit_transaction",
		substrateTypes.NewU64(uint64(entry.LedgerIndex)),
		substrateTypes.NewH256(hashBytes),
		root.NewXls20PaymentData(substrateTypes.NewH256(tokenBytes), destination),
		substrateTypes.NewU64(uint64(time.Now().UnixMilli())))
	if err != nil {
		return relay.Result{}, err
	}
	if _, err := in.root.SubmitExtrinsic(ctx, call); err != nil {
		if relay.MatchesAny(err.Error(), submitTransactionSkippable) {
			logger.Info("skipping already relayed accept", "xrplHash", xrplHash, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("root", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("root", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("root", "ok").Inc()
	logger.InfoContext(ctx, "relayed accepted offer to root", "xrplHash", xrplHash, "tokenId", tokenID)

	checkRootBalance(in.root, in.cfg.Root.MinXrpDrops, logger)
	return relay.Done(), nil
}

func (in *Inbox) findOffer(tokenID string) (*models.TxNftOffer, error) {
	var offer models.TxNftOffer
	err := in.xrplDB.DB().Where("token_id = ?", tokenID).Order("id DESC").First(&offer).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to look up nft offer")
	}
	return &offer, err
}

// handleRootBlock applies the pallet's lifecycle events to offer records.
func (in *Inbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		var status models.TxStatus
		switch ev.Name {
		case root.EventXrplBridgeProcessingOk:
			status = models.TxStatusProcessingOk
		case root.EventXrplBridgeProcessingFailed:
			status = models.TxStatusProcessingFailed
		case root.EventNftBridgedMint:
			in.logBridgedMint(ev)
			continue
		default:
			continue
		}
		result, err := in.handleProcessed(tx, ev, status)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xls20.inbox."+ev.Name, string(result.Outcome)).Inc()
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

	var offer models.TxNftOffer
	err = in.rootDB.DB().Where("xrpl_hash = ?", xrplHash).First(&offer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The main door shares the lifecycle event stream.
		logger.Debug("no offer record for processed transaction", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, errors.Wrap(err, "failed to look up nft offer")
	}

	tx.Push(relay.Update(&models.TxNftOffer{},
		map[string]any{"status": status}, "xrpl_hash = ?", xrplHash))
	logger.Info("nft offer reached terminal status", "xrplHash", xrplHash, "status", string(status))
	return relay.Done(), nil
}

func (in *Inbox) logBridgedMint(ev *parser.Event) {
	logger := in.logger.WithHandler(ev.Name)
	collection, _ := root.FieldUint(ev, "collection_id")
	owner, _ := root.FieldBytes(ev, "owner")
	logger.Info("token minted on root",
		"collectionId", collection, "owner", "0x"+hex.EncodeToString(owner))
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
