package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/relay"
)

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, "xbd-inbox-source-xrpl", relay.CheckpointKey("xbd", "inbox", "source", "xrpl"))
	assert.Equal(t, "ebd-outbox-source-root", relay.CheckpointKey("ebd", "outbox", "source", "root"))
}

func TestStringInArray(t *testing.T) {
	list := []string{"0xAbC123", "rDoorAccount"}

	assert.True(t, relay.StringInArray("0xabc123", list))
	assert.True(t, relay.StringInArray("RDOORACCOUNT", list))
	assert.False(t, relay.StringInArray("0xother", list))
	assert.False(t, relay.StringInArray("", list))
	assert.False(t, relay.StringInArray("anything", nil))
}

func TestMatchesAny(t *testing.T) {
	phrases := []string{"EthBridge.EventReplayProcessed", "Priority is too low"}

	assert.True(t, relay.MatchesAny("rpc error: EthBridge.EventReplayProcessed", phrases))
	assert.True(t, relay.MatchesAny("1014: Priority is too low: balance too low", phrases))
	assert.False(t, relay.MatchesAny("some other failure", phrases))
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := relay.Wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitElapses(t *testing.T) {
	require.NoError(t, relay.Wait(context.Background(), time.Millisecond))
}
