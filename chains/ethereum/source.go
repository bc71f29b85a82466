package ethereum

import (
	"context"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

// BatchHandler receives every log emitted by the bridge contract within one
// height range. Mutations go through the handle; the source commits the
// handle together with the range's upper bound after the callback returns.
type BatchHandler func(ctx context.Context, tx *relay.TransactionHandle, logs []types.Log) error

// sourceClient is the slice of Client the event source reads through.
type sourceClient interface {
	BlockNumber(ctx context.Context) (int64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EventSource polls the bridge contract's logs in confirmed height ranges.
// A block is confirmed once it is at least max(1, blockDelay) blocks behind
// the head.
type EventSource struct {
	client       sourceClient
	contract     common.Address
	blockDelay   int64
	pollInterval time.Duration
	logger       *log.RelayLogger
}

func NewEventSource(client sourceClient, contract common.Address, blockDelay int64, pollInterval time.Duration, logger *log.RelayLogger) *EventSource {
	return &EventSource{
		client:       client,
		contract:     contract,
		blockDelay:   blockDelay,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (s *EventSource) confirmedHead(ctx context.Context) (int64, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	delay := s.blockDelay
	if delay < 1 {
		delay = 1
	}
	return head - delay, nil
}

// Run drives the poll loop until ctx is cancelled or a handler or commit
// fails. A failure terminates the source with the checkpoint untouched, so
// the restarted process replays the range. The first range starts one past
// the stored checkpoint; with no checkpoint it starts at the current
// confirmed head so a fresh deployment does not replay history.
func (s *EventSource) Run(ctx context.Context, db *relay.BatchDatabase, handler BatchHandler) error {
	checkpoint, err := db.Connect(ctx)
	if err != nil {
		return err
	}
	next := checkpoint + 1
	if checkpoint == relay.HeightNone {
		head, err := s.confirmedHead(ctx)
		if err != nil {
			return err
		}
		next = head
		s.logger.InfoContext(ctx, "no checkpoint found, starting from confirmed head", "height", next)
	} else {
		s.logger.InfoContext(ctx, "resuming from checkpoint", "height", checkpoint)
	}

	for {
		head, err := s.confirmedHead(ctx)
		if err != nil {
			s.logger.ErrorWithStack("failed to query head", err)
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

		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: big.NewInt(next),
			ToBlock:   big.NewInt(head),
			Addresses: []common.Address{s.contract},
		})
		if err != nil {
			s.logger.ErrorWithStack("failed to filter logs", err)
			if err := relay.Wait(ctx, s.pollInterval); err != nil {
				return err
			}
			continue
		}

		if err := db.Transact(ctx, next, head, func(tx *relay.TransactionHandle) error {
			return handler(ctx, tx, logs)
		}); err != nil {
			return errors.Wrapf(err, "failed to process range [%d, %d]", next, head)
		}
		next = head + 1

		if err := relay.Wait(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}
