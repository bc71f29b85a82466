package root_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/root"
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

// fakeChain serves finalized blocks keyed by the first hash byte.
type fakeChain struct {
	head   int64
	events map[int64][]*parser.Event
}

func (f *fakeChain) FinalizedHeight() (int64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockHash(height int64) (types.Hash, error) {
	return types.NewHash([]byte{byte(height)}), nil
}

func (f *fakeChain) EventsAt(hash types.Hash) ([]*parser.Event, error) {
	return f.events[int64(hash[0])], nil
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

func TestRunWalksFinalizedBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 9))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	chain := &fakeChain{head: 12, events: map[int64][]*parser.Event{
		11: {{Name: "EthBridge.EventSend"}},
	}}
	source := root.NewEventSource(chain, time.Millisecond, testLogger(t))

	var heights []int64
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
		heights = append(heights, height)
		if height == 11 {
			require.Len(t, events, 1)
		} else {
			assert.Empty(t, events)
		}
		if height == 12 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{10, 11, 12}, heights)

	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(12), height)
}

func TestRunStopsWhenBlockFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 9))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	source := root.NewEventSource(&fakeChain{head: 12}, time.Millisecond, testLogger(t))

	boom := errors.New("handler bug")
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, height int64, events []*parser.Event) error {
		if height == 11 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)

	// The checkpoint stays at the last durable block, so a restart resumes
	// at the failed one.
	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(10), height)
}
