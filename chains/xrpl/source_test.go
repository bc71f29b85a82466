package xrpl_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/trncs/relayerd/chains/xrpl"
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

// fakeLedger serves the same two-page account_tx history for every range.
type fakeLedger struct {
	head  int64
	pages []*xrpl.AccountTxResult
	calls int
}

func (f *fakeLedger) ValidatedLedgerIndex(_ context.Context) (int64, error) {
	return f.head, nil
}

func (f *fakeLedger) AccountTx(_ context.Context, account string, minLedger, maxLedger int64, marker json.RawMessage) (*xrpl.AccountTxResult, error) {
	page := f.pages[f.calls%len(f.pages)]
	f.calls++
	return page, nil
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

func entry(hash string, validated bool) xrpl.AccountTxEntry {
	return xrpl.AccountTxEntry{
		Tx:        xrpl.Transaction{TransactionType: "Payment", Hash: hash},
		Validated: validated,
	}
}

func TestRunFollowsPagesAndSkipsUnvalidated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 70_000))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	ledger := &fakeLedger{head: 70_005, pages: []*xrpl.AccountTxResult{
		{
			Transactions: []xrpl.AccountTxEntry{entry("AA11", true), entry("BB22", false)},
			Marker:       json.RawMessage(`{"ledger":70003}`),
		},
		{Transactions: []xrpl.AccountTxEntry{entry("CC33", true)}},
	}}
	source := xrpl.NewEventSource(ledger, "rDoor", time.Millisecond, testLogger(t))

	var hashes []string
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, entries []xrpl.AccountTxEntry) error {
		for _, e := range entries {
			hashes = append(hashes, e.Tx.Hash)
		}
		if len(hashes) == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"AA11", "CC33"}, hashes)

	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(70_005), height)
}

func TestRunStopsWhenHandlerFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newMemCheckpoints()
	require.NoError(t, store.Set(ctx, "test-key", 70_000))
	db := relay.NewBatchDatabase(openTestDB(t), store, "test-key", testLogger(t))

	ledger := &fakeLedger{head: 70_005, pages: []*xrpl.AccountTxResult{
		{Transactions: []xrpl.AccountTxEntry{entry("AA11", true)}},
	}}
	source := xrpl.NewEventSource(ledger, "rDoor", time.Millisecond, testLogger(t))

	boom := errors.New("handler bug")
	err := source.Run(ctx, db, func(ctx context.Context, tx *relay.TransactionHandle, entries []xrpl.AccountTxEntry) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The checkpoint did not move, so a restart replays the failed range.
	height, err := store.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), height)
}
