package xbd

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
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

func outboxWithDB(t *testing.T) *Outbox {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "outbox.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	require.NoError(t, log.InitLogger("DEBUG", "text", "stderr", ""))
	logger := log.GetLogger()
	return &Outbox{
		rootDB: relay.NewBatchDatabase(db, newMemCheckpoints(),
			relay.CheckpointKey("xbd", "outbox", "source", "root"), logger),
		logger: logger,
	}
}

func TestCorrelateDelayedPrefersEventID(t *testing.T) {
	o := outboxWithDB(t)
	require.NoError(t, o.rootDB.DB().Create(&models.TxWithdrawal{
		ExtrinsicID: "100-2",
		EventID:     42,
		From:        "0x5555555555555555555555555555555555555555",
		To:          "rBeneficiary",
		Status:      models.TxStatusProcessing,
	}).Error)

	prior, err := o.correlateDelayed(42, "500", "rBeneficiary", 0)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "100-2", prior.ExtrinsicID)
}

func TestCorrelateDelayedPicksReleaseBlock(t *testing.T) {
	o := outboxWithDB(t)

	// Two delayed withdrawals with the same amount and destination, released
	// at different blocks.
	for i, release := range []int64{111, 222} {
		require.NoError(t, o.rootDB.DB().Create(&models.TxWithdrawal{
			ExtrinsicID: fmt.Sprintf("delayed-%d", i+1),
			To:          "rBeneficiary",
			Aux: datatypes.NewJSONType(models.AuxData{
				DelayedAmount:  "500",
				ReleaseAtBlock: release,
			}),
			Status: models.TxStatusDelayed,
		}).Error)
	}

	prior, err := o.correlateDelayed(99, "500", "rBeneficiary", 222)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "delayed-2", prior.ExtrinsicID)

	prior, err = o.correlateDelayed(99, "500", "rBeneficiary", 111)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, "delayed-1", prior.ExtrinsicID)

	prior, err = o.correlateDelayed(99, "500", "rBeneficiary", 333)
	require.NoError(t, err)
	assert.Nil(t, prior)
}
