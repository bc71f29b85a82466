package xls20d

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

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

// Known-benign rejections when reporting a fulfilled mint back to Root.
var fulfillMintSkippable = []string{
	"Xls20.MappingAlreadyExists",
	"Priority is too low",
}

// Outbox relays XLS-20 mint requests from the Root network to XRPL: the Root
// side observes the pallet's mint-request events and mints through the
// minter door account, the XRPL side observes the validated mints and
// reports the assigned token ids back to Root.
type Outbox struct {
	cfg  *config.Config
	root *root.Client
	xrpl *xrpl.Client
	door string

	rootSource *root.EventSource
	xrplSource *xrpl.EventSource
	rootDB     *relay.BatchDatabase
	xrplDB     *relay.BatchDatabase

	logger *log.RelayLogger
}

func NewOutbox(cfg *config.Config, deps *Deps) *Outbox {
	logger := deps.Logger.WithChannel("xls20", "outbox", "source", "root")
	door := cfg.Xrpl.MinterDoorAccount
	return &Outbox{
		cfg:        cfg,
		root:       deps.Root,
		xrpl:       deps.Xrpl,
		door:       door,
		rootSource: root.NewEventSource(deps.Root, cfg.Root.PollInterval, logger),
		xrplSource: xrpl.NewEventSource(deps.Xrpl, door, cfg.Xrpl.PollInterval, deps.Logger.WithChannel("xls20", "outbox", "source", "xrpl")),
		rootDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xls20", "outbox", "source", "root"), logger),
		xrplDB:     relay.NewBatchDatabase(deps.DB, deps.Checkpoints, relay.CheckpointKey("xls20", "outbox", "source", "xrpl"), logger),
		logger:     logger,
	}
}

func (out *Outbox) CheckpointKey() string {
	return relay.CheckpointKey("xls20", "outbox", "source", "root")
}

func (out *Outbox) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return out.rootSource.Run(ctx, out.rootDB, out.handleRootBlock)
	})
	eg.Go(func() error {
		return out.xrplSource.Run(ctx, out.xrplDB, out.handleXrplBatch)
	})
	return eg.Wait()
}

func (out *Outbox) handleRootBlock(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
	for _, ev := range events {
		if ev.Name != root.EventXls20MintRequest {
			continue
		}
		if err := out.handleMintRequest(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit(ctx, height)
}

// handleMintRequest mints each requested serial through the minter door
// account. The request nonce travels in the mint memo so the validated
// transaction can be correlated on the way back.
func (out *Outbox) handleMintRequest(ctx context.Context, tx *relay.TransactionHandle, ev *parser.Event) error {
	logger := out.logger.WithHandler("mintRequest")
	req, err := root.DecodeXls20MintRequest(ev)
	if err != nil {
		return err
	}

	for i, serial := range req.SerialNumbers {
		nonce := requestNonce(req.CollectionID, serial)
		var uri string
		if i < len(req.TokenURIs) {
			uri = req.TokenURIs[i]
		}

		result, err := out.mintSerial(ctx, tx, req.CollectionID, serial, nonce, uri, logger)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xls20.outbox.mintRequest", string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	return nil
}

func (out *Outbox) mintSerial(ctx context.Context, tx *relay.TransactionHandle, collectionID uint32, serial uint32, nonce, uri string, logger *log.RelayLogger) (relay.Result, error) {
	var existing models.TxMintRequest
	err := out.rootDB.DB().Where("request_nonce = ?", nonce).First(&existing).Error
	if err == nil {
		logger.Debug("serial already has a mint record", "requestNonce", nonce)
		return relay.Skipped(relay.SkipSkippableSubmission), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return relay.Result{}, errors.Wrap(err, "failed to look up mint request")
	}

	mint := map[string]any{
		"TransactionType": "NFTokenMint",
		"Account":         out.door,
		"TransferFee":     0,
		"NFTokenTaxon":    collectionID,
		// Transferable, so the destination can move the token on.
		"Flags":     8,
		"URI":       hexString(uri),
		"SourceTag": minterSourceTag,
		"Fee":       "10",
		"Memos": []map[string]any{{
			"Memo": map[string]any{
				"MemoType": hexString("RequestNonce"),
				"MemoData": hexString(nonce),
			},
		}},
	}
	submitted, err := out.xrpl.SignAndSubmit(ctx, mint, out.cfg.Xrpl.MinterDoorSeed)
	if err != nil {
		metrics.SubmissionsCounter.WithLabelValues("xrpl", "failed").Inc()
		return relay.Result{}, errors.Wrapf(err, "failed to mint serial %s", nonce)
	}
	metrics.SubmissionsCounter.WithLabelValues("xrpl", "ok").Inc()

	record := &models.TxMintRequest{
		RequestNonce: nonce,
		CollectionID: collectionID,
		SerialNumber: int64(serial),
		Metadata:     uri,
		XrplHash:     submitted.Hash,
		Status:       models.TxStatusProcessing,
	}
	tx.Push(relay.Upsert(record, []string{"request_nonce"},
		[]string{"collection_id", "serial_number", "metadata", "xrpl_hash", "status"}))
	logger.InfoContext(ctx, "minted serial on xrpl",
		"requestNonce", nonce, "uri", uri, "xrplHash", submitted.Hash)

	checkDoorBalance(ctx, out.xrpl, out.door, out.cfg.Xrpl.MinXrpDrops, logger)
	return relay.Done(), nil
}

// handleXrplBatch confirms validated door mints and reports the assigned
// token ids back to Root, committing once per ledger index.
func (out *Outbox) handleXrplBatch(ctx context.Context, tx *relay.TransactionHandle, entries []xrpl.AccountTxEntry) error {
	var currentLedger int64
	for _, entry := range entries {
		if currentLedger != 0 && entry.LedgerIndex != currentLedger {
			if err := tx.Commit(ctx, currentLedger); err != nil {
				return err
			}
		}
		currentLedger = entry.LedgerIndex

		if entry.Tx.TransactionType != "NFTokenMint" ||
			entry.Tx.Account != out.door ||
			entry.Meta.TransactionResult != "tesSUCCESS" {
			continue
		}
		result, err := out.handleMintConfirmation(ctx, tx, entry)
		if err != nil {
			return err
		}
		metrics.EventsHandledCounter.WithLabelValues("xls20.outbox.mintTx", string(result.Outcome)).Inc()
		if result.Skipped() {
			metrics.SkipsCounter.WithLabelValues(string(result.Reason)).Inc()
		}
	}
	if currentLedger != 0 {
		return tx.Commit(ctx, currentLedger)
	}
	return nil
}

func (out *Outbox) handleMintConfirmation(ctx context.Context, tx *relay.TransactionHandle, entry xrpl.AccountTxEntry) (relay.Result, error) {
	logger := out.logger.WithHandler("mintTx")
	xrplHash := entry.Tx.Hash

	nonce, ok := memoValue(entry.Tx.MemoEntries(), "RequestNonce")
	if !ok {
		logger.Debug("ignoring mint without a request nonce", "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	collectionID, serial, err := parseRequestNonce(nonce)
	if err != nil {
		return relay.Result{}, err
	}

	tokenID := entry.Meta.NFTokenID
	if tokenID == "" {
		tokenID, err = out.xrpl.TxNFTokenID(ctx, xrplHash)
		if err != nil {
			return relay.Result{}, errors.Wrapf(err, "failed to resolve token id for %s", xrplHash)
		}
	}
	tokenBytes, err := hex.DecodeString(tokenID)
	if err != nil || len(tokenBytes) != 32 {
		return relay.Result{}, errors.Newf("malformed token id %q", tokenID)
	}

	var record models.TxMintRequest
	err = out.xrplDB.DB().Where("request_nonce = ?", nonce).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("no mint record for validated mint", "requestNonce", nonce, "xrplHash", xrplHash)
		return relay.Skipped(relay.SkipNoMatchingRecord), nil
	}
	if err != nil {
		return relay.Result{}, errors.Wrap(err, "failed to look up mint request")
	}
	if record.TokenID != "" && record.Status == models.TxStatusProcessingOk {
		logger.Debug("mint already reported", "requestNonce", nonce, "tokenId", record.TokenID)
		return relay.Skipped(relay.SkipSkippableSubmission), nil
	}

	call, err := out.root.NewCall("Xls20.fulfill_xls20_mint",
		substrateTypes.NewU32(collectionID),
		[]root.Xls20Mapping{{
			SerialNumber: substrateTypes.NewU32(serial),
			TokenID:      substrateTypes.NewH256(tokenBytes),
		}})
	if err != nil {
		return relay.Result{}, err
	}
	if _, err := out.root.SubmitExtrinsic(ctx, call); err != nil {
		if relay.MatchesAny(err.Error(), fulfillMintSkippable) {
			logger.Info("skipping already fulfilled mint", "requestNonce", nonce, "reason", err.Error())
			metrics.SubmissionsCounter.WithLabelValues("root", "skipped").Inc()
			return relay.Skipped(relay.SkipSkippableSubmission), nil
		}
		metrics.SubmissionsCounter.WithLabelValues("root", "failed").Inc()
		return relay.Result{}, err
	}
	metrics.SubmissionsCounter.WithLabelValues("root", "ok").Inc()

	tx.Push(relay.Update(&models.TxMintRequest{}, map[string]any{
		"token_id":  tokenID,
		"xrpl_hash": xrplHash,
		"status":    models.TxStatusProcessingOk,
	}, "request_nonce = ?", nonce))
	logger.InfoContext(ctx, "reported minted token to root",
		"requestNonce", nonce, "tokenId", tokenID, "xrplHash", xrplHash)

	checkRootBalance(out.root, out.cfg.Root.MinXrpDrops, logger)
	return relay.Done(), nil
}

func parseRequestNonce(nonce string) (uint32, uint32, error) {
	parts := strings.SplitN(nonce, "_", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Newf("malformed request nonce %q", nonce)
	}
	collection, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed request nonce %q", nonce)
	}
	serial, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed request nonce %q", nonce)
	}
	return uint32(collection), uint32(serial), nil
}

// hexString renders a string in the ledger's upper-case hex form.
func hexString(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}
