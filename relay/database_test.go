package relay_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/log"
	"github.com/trncs/relayerd/models"
	"github.com/trncs/relayerd/relay"
)

type memCheckpoints struct {
	mu      sync.Mutex
	heights map[string]int64
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{heights: make(map[string]int64)}
}

func (m *memCheckpoints) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.heights[key]; ok {
		return h, nil
	}
	return relay.HeightNone, nil
}

func (m *memCheckpoints) Set(_ context.Context, key string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[key] = height
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func testLogger(t *testing.T) *log.RelayLogger {
	t.Helper()
	require.NoError(t, log.InitLogger("DEBUG", "text", "stderr", ""))
	return log.GetLogger()
}

func TestTransactCommitsMutationsAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	key := relay.CheckpointKey("xbd", "inbox", "source", "xrpl")
	db := relay.NewBatchDatabase(openTestDB(t), store, key, testLogger(t))

	height, err := db.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, relay.HeightNone, height)

	err = db.Transact(ctx, 10, 12, func(h *relay.TransactionHandle) error {
		h.Push(relay.Upsert(&models.TxDeposit{
			XrplHash: "AA11",
			From:     "rSender",
			Status:   models.TxStatusProcessing,
		}, []string{"eth_hash", "xrpl_hash"}, []string{"from", "status"}))
		return h.Commit(ctx, 10)
	})
	require.NoError(t, err)

	var deposit models.TxDeposit
	require.NoError(t, db.DB().Where("xrpl_hash = ?", "AA11").First(&deposit).Error)
	assert.Equal(t, models.TxStatusProcessing, deposit.Status)

	// The range top wins over the per-block commit.
	height, err = db.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), height)
}

func TestTransactEmptyRangeAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	err := db.Transact(ctx, 5, 9, func(h *relay.TransactionHandle) error {
		return nil
	})
	require.NoError(t, err)

	height, err := db.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), height)
}

func TestTransactRejectsUncommittedOperations(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	err := db.Transact(ctx, 1, 1, func(h *relay.TransactionHandle) error {
		h.Push(relay.Upsert(&models.TxDeposit{XrplHash: "BB22", Status: models.TxStatusProcessing},
			[]string{"eth_hash", "xrpl_hash"}, []string{"status"}))
		return nil
	})
	require.Error(t, err)

	// Nothing leaked: neither the row nor the checkpoint moved.
	var count int64
	require.NoError(t, db.DB().Model(&models.TxDeposit{}).Count(&count).Error)
	assert.Zero(t, count)
	height, err := db.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, relay.HeightNone, height)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	boom := errors.New("handler bug")
	err := db.Transact(ctx, 3, 3, func(h *relay.TransactionHandle) error {
		h.Push(relay.Upsert(&models.TxDeposit{XrplHash: "CC33", Status: models.TxStatusProcessing},
			[]string{"eth_hash", "xrpl_hash"}, []string{"status"}))
		h.Push(func(tx *gorm.DB) error { return boom })
		return h.Commit(ctx, 3)
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.DB().Model(&models.TxDeposit{}).Count(&count).Error)
	assert.Zero(t, count)
	height, err := db.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, relay.HeightNone, height)
}

func TestUpsertReplayConvergesOnOneRow(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	deposit := func(status models.TxStatus) *models.TxDeposit {
		return &models.TxDeposit{XrplHash: "DD44", From: "rSender", Status: status}
	}
	for _, status := range []models.TxStatus{models.TxStatusProcessing, models.TxStatusProcessingOk} {
		err := db.Transact(ctx, 7, 7, func(h *relay.TransactionHandle) error {
			h.Push(relay.Upsert(deposit(status), []string{"eth_hash", "xrpl_hash"}, []string{"from", "status"}))
			return h.Commit(ctx, 7)
		})
		require.NoError(t, err)
	}

	var rows []models.TxDeposit
	require.NoError(t, db.DB().Where("xrpl_hash = ?", "DD44").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, models.TxStatusProcessingOk, rows[0].Status)
}

func TestUpdateRefreshesMatchedRows(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	err := db.Transact(ctx, 1, 2, func(h *relay.TransactionHandle) error {
		h.Push(relay.Upsert(&models.TxWithdrawal{ExtrinsicID: "100-2", EventID: 42, Status: models.TxStatusProcessing},
			[]string{"extrinsic_id"}, []string{"event_id", "status"}))
		if err := h.Commit(ctx, 1); err != nil {
			return err
		}
		h.Push(relay.Update(&models.TxWithdrawal{},
			map[string]any{"status": models.TxStatusProcessingOk}, "event_id = ?", int64(42)))
		return h.Commit(ctx, 2)
	})
	require.NoError(t, err)

	var withdrawal models.TxWithdrawal
	require.NoError(t, db.DB().Where("extrinsic_id = ?", "100-2").First(&withdrawal).Error)
	assert.Equal(t, models.TxStatusProcessingOk, withdrawal.Status)
}
