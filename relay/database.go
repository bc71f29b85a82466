package relay

import (
	"context"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/metrics"
)

// Operation is a single queued record mutation, executed later inside one
// database transaction.
type Operation func(tx *gorm.DB) error

// TransactionHandle accumulates record mutations for the batch currently
// being processed. Mutations are not executed until Commit, which runs the
// whole queue as one transaction and then advances the checkpoint. A commit
// either applies everything and advances, or applies nothing and leaves the
// queue intact for a retry.
type TransactionHandle struct {
	db          *gorm.DB
	checkpoints CheckpointStore
	key         string
	queue       []Operation
	logger      *log.RelayLogger
}

// Push enqueues op without executing it.
func (h *TransactionHandle) Push(op Operation) {
	h.queue = append(h.queue, op)
}

// Pending returns the number of queued mutations.
func (h *TransactionHandle) Pending() int {
	return len(h.queue)
}

// Commit executes all queued operations in a single transaction, persists
// height as the new checkpoint and clears the queue. An empty queue is a
// no-op, so it is safe to call once per processed event. The transaction is
// retried on transient infrastructure errors; an exhausted budget propagates
// to the caller, which treats it as fatal.
func (h *TransactionHandle) Commit(ctx context.Context, height int64) error {
	if len(h.queue) == 0 {
		return nil
	}
	if err := SubmitWithRetry(func() error {
		return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, op := range h.queue {
				if err := op(tx); err != nil {
					return err
				}
			}
			return nil
		})
	}, RetryOptions{
		OnRetry: func(n uint, err error) {
			h.logger.Warn("retrying the transaction as the error is whitelisted",
				"try", n+1, "error", err.Error())
		},
	}); err != nil {
		return errors.Wrapf(err, "failed to commit %d queued operations at height %d", len(h.queue), height)
	}
	if err := h.checkpoints.Set(ctx, h.key, height); err != nil {
		return err
	}
	metrics.CommittedHeightGauge.WithLabelValues(h.key).Set(float64(height))
	h.queue = h.queue[:0]
	return nil
}

// BatchDatabase couples the tracking-record store with a checkpoint key so
// that record mutations and checkpoint advances commit together.
type BatchDatabase struct {
	db          *gorm.DB
	checkpoints CheckpointStore
	key         string
	logger      *log.RelayLogger
}

func NewBatchDatabase(db *gorm.DB, checkpoints CheckpointStore, key string, logger *log.RelayLogger) *BatchDatabase {
	return &BatchDatabase{db: db, checkpoints: checkpoints, key: key, logger: logger}
}

// Connect returns the last committed height for this database's checkpoint
// key, HeightNone when nothing has been committed yet.
func (d *BatchDatabase) Connect(ctx context.Context) (int64, error) {
	return d.checkpoints.Get(ctx, d.key)
}

// DB exposes the underlying store for read-only correlation lookups inside
// handlers. Mutations must go through the TransactionHandle.
func (d *BatchDatabase) DB() *gorm.DB {
	return d.db
}

// Transact invokes cb with a fresh TransactionHandle covering the height
// range [from, to]. Handlers push mutations and the call site commits once
// per discrete unit of progress; after cb returns, the checkpoint is advanced
// to the top of the range so that empty ranges also make progress.
func (d *BatchDatabase) Transact(ctx context.Context, from, to int64, cb func(h *TransactionHandle) error) error {
	handle := &TransactionHandle{
		db:          d.db,
		checkpoints: d.checkpoints,
		key:         d.key,
		logger:      d.logger,
	}
	if err := cb(handle); err != nil {
		return err
	}
	if pending := handle.Pending(); pending > 0 {
		return errors.Newf("transaction handle for range [%d,%d] left %d uncommitted operations", from, to, pending)
	}
	if err := d.checkpoints.Set(ctx, d.key, to); err != nil {
		return err
	}
	metrics.CommittedHeightGauge.WithLabelValues(d.key).Set(float64(to))
	return nil
}
