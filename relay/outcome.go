package relay

// Outcome is the result tag a mapping handler returns. Callers only use it
// to decide what to log; control flow never branches on it.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
)

// SkipReason enumerates why a handler skipped an event. Skips are first-class
// values, not exceptions: the event is logged and reported, the batch
// continues.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipNoMatchingRecord    SkipReason = "no-matching-record"
	SkipInvalidSource       SkipReason = "invalid-source"
	SkipDevAccount          SkipReason = "dev-account"
	SkipBelowThreshold      SkipReason = "below-threshold"
	SkipUnsupportedCurrency SkipReason = "unsupported-currency"
	SkipAmountOverflow      SkipReason = "amount-overflow"
	SkipSkippableSubmission SkipReason = "skippable-submission"
)

// Result is what every mapping handler returns.
type Result struct {
	Outcome Outcome
	Reason  SkipReason
}

func Done() Result {
	return Result{Outcome: OutcomeDone}
}

func Skipped(reason SkipReason) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func (r Result) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}
