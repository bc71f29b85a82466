package ethereum_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/ethereum"
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

type fakeChain struct {
	head      int64
	logs      []types.Log
	lastQuery goethereum.FilterQuery
}

func (f *fakeChain) BlockNumber(_ context.Context) (int64, error) {
	return f.head, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q goethereum.FilterQuery) ([]types.Log, error) {
	f.lastQuery = q
	return f.logs, nil
}

func testLogger(t *testing.T) *log.RelayLogger {
	t.Helper()
	require.NoError(t, log.InitLogger("DEBUG", "text", "stderr", ""))
	return log.GetLogger()
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "source.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func TestRunProcessesConfirmedRange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 99))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	contract := common.HexToAddress("0x26041feBcDeE9Af2ce5b14Be07e196fcC50e0f09")
	chain := &fakeChain{head: 110, logs: []types.Log{{Address: contract, BlockNumber: 102}}}
	source := ethereum.NewEventSource(chain, contract, 5, time.Millisecond, testLogger(t))

	var got []types.Log
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, logs []types.Log) error {
		got = append(got, logs...)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)

	// The range starts one past the checkpoint and stops at head minus the
	// confirmation delay.
	assert.Equal(t, int64(100), chain.lastQuery.FromBlock.Int64())
	assert.Equal(t, int64(105), chain.lastQuery.ToBlock.Int64())
	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(105), height)
}

func TestRunStopsWhenHandlerFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 99))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	chain := &fakeChain{head: 110, logs: []types.Log{{BlockNumber: 102}}}
	source := ethereum.NewEventSource(chain, common.Address{}, 5, time.Millisecond, testLogger(t))

	boom := errors.New("handler bug")
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, logs []types.Log) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The checkpoint did not move, so a restart replays the failed range.
	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(99), height)
}
