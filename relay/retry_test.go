package relay_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trncs/relayerd/relay"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, relay.IsRetryable(errors.New("read: Operation timed out (os error 110)")))
	assert.True(t, relay.IsRetryable(errors.New("ws: unexpected end of file")))
	assert.False(t, relay.IsRetryable(errors.New("Bridge: eventId replayed")))
	assert.False(t, relay.IsRetryable(nil))
}

func TestSubmitWithRetryNonRetryable(t *testing.T) {
	boom := errors.New("constraint violation")
	attempts := 0
	err := relay.SubmitWithRetry(func() error {
		attempts++
		return boom
	}, relay.RetryOptions{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestSubmitWithRetryExhaustsBudget(t *testing.T) {
	transient := errors.New("unexpected end of file")
	attempts := 0
	err := relay.SubmitWithRetry(func() error {
		attempts++
		return transient
	}, relay.RetryOptions{})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, int(relay.DefaultMaxRetry), attempts)
}

func TestSubmitWithRetryRecovers(t *testing.T) {
	attempts := 0
	var retried []uint
	err := relay.SubmitWithRetry(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("Operation timed out (os error 110)")
		}
		return nil
	}, relay.RetryOptions{
		OnRetry: func(n uint, err error) { retried = append(retried, n) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.NotEmpty(t, retried)
}
