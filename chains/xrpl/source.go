package xrpl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

// TxHandler receives one page of validated door-account transactions.
type TxHandler func(ctx context.Context, tx *relay.TransactionHandle, entries []AccountTxEntry) error

// sourceClient is the slice of Client the event source reads through.
type sourceClient interface {
	ValidatedLedgerIndex(ctx context.Context) (int64, error)
	AccountTx(ctx context.Context, account string, minLedger, maxLedger int64, marker json.RawMessage) (*AccountTxResult, error)
}

// EventSource polls the door account's transaction history in validated
// ledger ranges, following account_tx markers within each range. The
// checkpoint records the last fully processed ledger index.
type EventSource struct {
	client       sourceClient
	account      string
	pollInterval time.Duration
	logger       *log.RelayLogger
}

func NewEventSource(client sourceClient, account string, pollInterval time.Duration, logger *log.RelayLogger) *EventSource {
	return &EventSource{client: client, account: account, pollInterval: pollInterval, logger: logger}
}

// Run drives the poll loop until ctx is cancelled or a range fails to
// process. A failure terminates the source with the checkpoint at the last
// durable ledger, so the restarted process replays the range.
func (s *EventSource) Run(ctx context.Context, db *relay.BatchDatabase, handler TxHandler) error {
	checkpoint, err := db.Connect(ctx)
	if err != nil {
		return err
	}
	next := checkpoint + 1
	if checkpoint == relay.HeightNone {
		head, err := s.client.ValidatedLedgerIndex(ctx)
		if err != nil {
			return err
		}
		next = head
		s.logger.InfoContext(ctx, "no checkpoint found, starting from validated ledger", "ledger", next)
	} else {
		s.logger.InfoContext(ctx, "resuming from checkpoint", "ledger", checkpoint)
	}

	for {
		head, err := s.client.ValidatedLedgerIndex(ctx)
		if err != nil {
			s.logger.ErrorWithStack("failed to fetch validated ledger", err)
			if err := relay.Wait(ctx, s.pollInterval); err != nil {
				return err
			}
			continue
		}
		if head < next {
			if err := relay.Wait(ctx, s.pollInterval); err != nil {
				return err
			}
			continue
		}

		if err := s.processRange(ctx, db, next, head, handler); err != nil {
			return errors.Wrapf(err, "failed to process ledger range [%d, %d]", next, head)
		}
		next = head + 1

		if err := relay.Wait(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// processRange walks every account_tx page of [from, to] inside a single
// database transaction, so the checkpoint only advances once the whole range
// is durable.
func (s *EventSource) processRange(ctx context.Context, db *relay.BatchDatabase, from, to int64, handler TxHandler) error {
	return db.Transact(ctx, from, to, func(tx *relay.TransactionHandle) error {
		var marker []byte
		for {
			page, err := s.client.AccountTx(ctx, s.account, from, to, marker)
			if err != nil {
				return err
			}
			validated := page.Transactions[:0:0]
			for _, entry := range page.Transactions {
				if entry.Validated {
					validated = append(validated, entry)
				}
			}
			if len(validated) > 0 {
				if err := handler(ctx, tx, validated); err != nil {
					return err
				}
			}
			if page.Marker == nil {
				return nil
			}
			marker = page.Marker
		}
	})
}
