package relay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/relay"
)

func TestNewHealthCheckerRequiresCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()

	_, err := relay.NewHealthChecker(ctx, store, "ebd-inbox-source-eth")
	assert.Error(t, err)
}

func TestHealthCheckerDetectsProgress(t *testing.T) {
	ctx := context.Background()
	store := newMemCheckpoints()
	key := "xbd-inbox-source-xrpl"
	require.NoError(t, store.Set(ctx, key, 100))

	hc, err := relay.NewHealthChecker(ctx, store, key)
	require.NoError(t, err)

	// No commits since priming, so the height is stalled.
	height, progressed, err := hc.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), height)
	assert.False(t, progressed)

	require.NoError(t, store.Set(ctx, key, 105))
	height, progressed, err = hc.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(105), height)
	assert.True(t, progressed)

	// A repeat probe at the same height stalls again.
	_, progressed, err = hc.Check(ctx)
	require.NoError(t, err)
	assert.False(t, progressed)
}
