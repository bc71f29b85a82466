package root

import (
	"context"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/relay"
)

// BlockHandler receives the decoded events of a single finalized block.
type BlockHandler func(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error

// sourceClient is the slice of Client the event source reads through.
type sourceClient interface {
	FinalizedHeight() (int64, error)
	BlockHash(height int64) (types.Hash, error)
	EventsAt(hash types.Hash) ([]*parser.Event, error)
}

// EventSource walks finalized blocks one at a time, committing the
// checkpoint after each block so a restart resumes at the next unprocessed
// height.
type EventSource struct {
	client       sourceClient
	pollInterval time.Duration
	logger       *log.RelayLogger
}

func NewEventSource(client sourceClient, pollInterval time.Duration, logger *log.RelayLogger) *EventSource {
	return &EventSource{client: client, pollInterval: pollInterval, logger: logger}
}

// Run drives the poll loop until ctx is cancelled or a block fails to
// process. A failure terminates the source with the checkpoint at the last
// durable block, so the restarted process resumes from there.
func (s *EventSource) Run(ctx context.Context, db *relay.BatchDatabase, handler BlockHandler) error {
	checkpoint, err := db.Connect(ctx)
	if err != nil {
		return err
	}
	next := checkpoint + 1
	if checkpoint == relay.HeightNone {
		head, err := s.client.FinalizedHeight()
		if err != nil {
			return err
		}
		next = head
		s.logger.InfoContext(ctx, "no checkpoint found, starting from finalized head", "height", next)
	} else {
		s.logger.InfoContext(ctx, "resuming from checkpoint", "height", checkpoint)
	}

	for {
		head, err := s.client.FinalizedHeight()
		if err != nil {
			s.logger.ErrorWithStack("failed to fetch finalized height", err)
			if err := relay.Wait(ctx, s.pollInterval); err != nil {
				return err
			}
			continue
		}

		for next <= head {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.processBlock(ctx, db, next, handler); err != nil {
				return errors.Wrapf(err, "failed to process block %d", next)
			}
			next++
		}

		if err := relay.Wait(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

func (s *EventSource) processBlock(ctx context.Context, db *relay.BatchDatabase, height int64, handler BlockHandler) error {
	hash, err := s.client.BlockHash(height)
	if err != nil {
		return err
	}
	events, err := s.client.EventsAt(hash)
	if err != nil {
		return err
	}
	return db.Transact(ctx, height, height, func(tx *relay.TransactionHandle) error {
		return handler(ctx, tx, height, events)
	})
}
