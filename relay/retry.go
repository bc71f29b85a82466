package relay

import (
	"strings"
	"time"

	retry "github.com/avast/retry-go"
)

var (
	rtyAttNum = uint(5)
	rtyAtt    = retry.Attempts(rtyAttNum)
	rtyDel    = retry.Delay(time.Millisecond * 400)
	rtyErr    = retry.LastErrorOnly(true)
)

// retryablePhrases is the fixed allow-list of known-transient infrastructure
// errors. Anything else fails immediately.
var retryablePhrases = []string{
	"Operation timed out (os error 110)",
	"unexpected end of file",
}

// DefaultMaxRetry is the retry budget applied when the caller does not
// override it.
const DefaultMaxRetry = uint(3)

// RetryOptions configures SubmitWithRetry.
type RetryOptions struct {
	// MaxRetry bounds the number of attempts; zero means DefaultMaxRetry.
	MaxRetry uint
	// OnRetry is invoked before each retried attempt, typically a warning log.
	OnRetry func(n uint, err error)
}

// IsRetryable reports whether err matches the transient-error allow-list.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// SubmitWithRetry executes call, retrying only when the error message matches
// the transient allow-list. Exhausting the budget or hitting a non-listed
// error returns the original error.
func SubmitWithRetry(call func() error, opts RetryOptions) error {
	maxRetry := opts.MaxRetry
	if maxRetry == 0 {
		maxRetry = DefaultMaxRetry
	}
	onRetry := opts.OnRetry
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}
	return retry.Do(
		call,
		retry.Attempts(maxRetry),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(onRetry),
		retry.Delay(0),
		rtyErr,
	)
}
